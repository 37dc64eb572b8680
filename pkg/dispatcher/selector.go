// Package dispatcher implements task classification, worker selection
// scoring, and periodic load balancing (spec §4.7): the Selector picks one
// eligible worker per task; the Balancer rebalances load across workers and
// migrates work off a deregistering worker.
package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sort"

	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/registry"
	"github.com/cuemby/relay/pkg/types"
	"github.com/rs/zerolog"
)

// Strategy names a worker selection policy.
type Strategy string

const (
	StrategyLeastLoaded        Strategy = "least_loaded"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyConsistentHash     Strategy = "consistent_hash"
	StrategyRandom             Strategy = "random"
	StrategyTopScore           Strategy = "top_score"
	DefaultStrategy            = StrategyTopScore

	minHealthScore = 0.3
	zoneBonus      = 5.0
	costBonus      = 3.0
	speedBonus     = 3.0
)

// Scored pairs a worker with its computed selection score.
type Scored struct {
	Worker *types.Worker
	Score  float64
}

// Selector scores and picks one worker per task.
type Selector struct {
	registry *registry.Registry
	logger   zerolog.Logger
}

// NewSelector constructs a Selector over reg.
func NewSelector(reg *registry.Registry) *Selector {
	return &Selector{registry: reg, logger: log.WithComponent("dispatcher")}
}

// Eligible filters the registry's worker list down to those an incoming task
// can legally be assigned to: active, healthy, under capacity, capability
// match, zone match if the task requires one.
func Eligible(task *types.Task, requiredCaps []string, workers []*types.Worker) []*types.Worker {
	var out []*types.Worker
	for _, w := range workers {
		if w.Status != types.WorkerActive {
			continue
		}
		if w.HealthScore <= minHealthScore {
			continue
		}
		if w.CurrentLoad >= w.MaxConcurrency {
			continue
		}
		if task.Zone != "" && w.Zone != task.Zone {
			continue
		}
		if capabilityMatch(requiredCaps, w.Capabilities) == 0 && len(requiredCaps) > 0 {
			continue
		}
		out = append(out, w)
	}
	return out
}

// Score computes the spec §4.7 selection score for one worker against task.
func Score(task *types.Task, requiredCaps []string, w *types.Worker) float64 {
	capMatch := capabilityMatch(requiredCaps, w.Capabilities)
	capacity := 1 - w.LoadScore
	if capacity < 0 {
		capacity = 0
	}

	score := 0.40*capMatch + 0.30*capacity + 0.20*w.HealthScore + 0.10*w.SuccessRate

	if task.Zone != "" && w.Zone == task.Zone {
		score += zoneBonus
	}
	score += 2.0 * float64(w.Priority)
	if task.PrioritizeCost {
		score += costBonus
	}
	if task.PrioritizeSpeed {
		score += speedBonus
	}
	return score
}

func capabilityMatch(required, have []string) float64 {
	if len(required) == 0 {
		return 1.0
	}
	haveSet := make(map[string]bool, len(have))
	for _, c := range have {
		haveSet[c] = true
	}
	matched := 0
	for _, c := range required {
		if haveSet[c] {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

// RankAll scores every eligible worker, sorted best-first.
func RankAll(task *types.Task, requiredCaps []string, eligible []*types.Worker) []Scored {
	scored := make([]Scored, 0, len(eligible))
	for _, w := range eligible {
		scored = append(scored, Scored{Worker: w, Score: Score(task, requiredCaps, w)})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return scored
}

// Select picks one worker for task among workers registered in the registry,
// using strategy. Returns nil if no worker is eligible.
func (s *Selector) Select(ctx context.Context, task *types.Task, strategy Strategy) (*types.Worker, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatchLatency)

	category, complexity, caps := Classify(task)
	task.Category = category
	task.Complexity = complexity
	if len(task.Capabilities) == 0 {
		task.Capabilities = caps
	}

	workers, err := s.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workers for selection: %w", err)
	}
	eligible := Eligible(task, task.Capabilities, workers)
	if len(eligible) == 0 {
		return nil, nil
	}

	if strategy == "" {
		strategy = DefaultStrategy
	}
	picked := pick(task, task.Capabilities, eligible, strategy)
	if picked != nil {
		metrics.SelectionsTotal.WithLabelValues(string(strategy)).Inc()
	}
	return picked, nil
}

func pick(task *types.Task, requiredCaps []string, eligible []*types.Worker, strategy Strategy) *types.Worker {
	switch strategy {
	case StrategyRandom:
		return eligible[rand.Intn(len(eligible))]
	case StrategyLeastLoaded:
		best := eligible[0]
		for _, w := range eligible[1:] {
			if w.LoadScore < best.LoadScore {
				best = w
			}
		}
		return best
	case StrategyConsistentHash:
		return consistentHashPick(task.Fingerprint, eligible)
	case StrategyWeightedRoundRobin:
		return weightedPick(task, requiredCaps, eligible)
	case StrategyTopScore:
		fallthrough
	default:
		ranked := RankAll(task, requiredCaps, eligible)
		return ranked[0].Worker
	}
}

// consistentHashPick routes by fingerprint so repeated submissions of the
// same logical task land on the same worker while the eligible set is
// unchanged.
func consistentHashPick(fingerprint string, eligible []*types.Worker) *types.Worker {
	if fingerprint == "" {
		return eligible[0]
	}
	sorted := append([]*types.Worker(nil), eligible...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].WorkerID < sorted[j].WorkerID })

	sum := sha256.Sum256([]byte(fingerprint))
	h := binary.BigEndian.Uint64(sum[:8])
	return sorted[h%uint64(len(sorted))]
}

// weightedPick picks proportional to score*(1-load+0.1), per spec §4.7.
func weightedPick(task *types.Task, requiredCaps []string, eligible []*types.Worker) *types.Worker {
	weights := make([]float64, len(eligible))
	var total float64
	for i, w := range eligible {
		weight := Score(task, requiredCaps, w) * (1 - w.LoadScore + 0.1)
		if weight < 0 {
			weight = 0
		}
		weights[i] = weight
		total += weight
	}
	if total <= 0 {
		return eligible[0]
	}
	r := rand.Float64() * total
	var cum float64
	for i, w := range weights {
		cum += w
		if r <= cum {
			return eligible[i]
		}
	}
	return eligible[len(eligible)-1]
}
