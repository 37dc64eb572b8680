package dispatcher

import (
	"strings"

	"github.com/cuemby/relay/pkg/types"
)

// keywordSignals maps a category to the keywords whose presence in a task's
// prompt votes for it. The category with the most votes wins; ties favor the
// earlier entry in this slice (general is not in the slice; it is the result
// only when no keyword matches).
var keywordSignals = []struct {
	category types.Category
	keywords []string
}{
	{types.CategorySecurity, []string{"vulnerability", "exploit", "cve", "auth", "encrypt", "injection", "xss", "secret", "credential"}},
	{types.CategoryTesting, []string{"test", "unit test", "coverage", "assert", "mock", "regression", "e2e"}},
	{types.CategoryArchitecture, []string{"architecture", "design pattern", "scalab", "microservice", "system design", "tradeoff"}},
	{types.CategoryPerformance, []string{"performance", "latency", "throughput", "optimiz", "benchmark", "profil", "slow"}},
	{types.CategoryInfrastructure, []string{"deploy", "kubernetes", "docker", "terraform", "ci/cd", "pipeline", "infrastructure"}},
	{types.CategoryDocumentation, []string{"document", "readme", "docstring", "comment", "explain"}},
	{types.CategoryAnalysis, []string{"analyze", "analysis", "investigate", "root cause", "diagnose"}},
	{types.CategoryCoding, []string{"implement", "function", "bug", "refactor", "code", "class", "method", "compile"}},
}

// categoryCapabilities is the fixed capability set a category requires,
// absent any capabilities already declared on the task.
var categoryCapabilities = map[types.Category][]string{
	types.CategoryCoding:         {"coding"},
	types.CategoryTesting:        {"testing"},
	types.CategorySecurity:       {"security"},
	types.CategoryArchitecture:   {"architecture"},
	types.CategoryDocumentation:  {"documentation"},
	types.CategoryInfrastructure: {"infrastructure"},
	types.CategoryAnalysis:       {"analysis"},
	types.CategoryPerformance:    {"performance"},
	types.CategoryGeneral:        {},
}

// technicalTerms are vocabulary whose density in the prompt pushes the
// complexity assessment up a tier.
var technicalTerms = []string{
	"concurrency", "distributed", "consensus", "algorithm", "complexity",
	"optimi", "architecture", "scalab", "race condition", "deadlock",
	"transaction", "consistency", "idempotent", "asynchron",
}

// Classify assigns a category and complexity tier to task, and fills in its
// required-capability set when the submitter did not already declare one.
// Classification is keyword-driven, matching spec's "keyword signals"
// description rather than a learned model.
func Classify(task *types.Task) (types.Category, types.ComplexityTier, []string) {
	category := task.Category
	if category == "" {
		category = classifyCategory(task.Prompt)
	}

	complexity := task.Complexity
	if complexity == "" {
		complexity = classifyComplexity(task.Prompt)
	}

	caps := task.Capabilities
	if len(caps) == 0 {
		caps = categoryCapabilities[category]
	}

	return category, complexity, caps
}

func classifyCategory(prompt string) types.Category {
	lower := strings.ToLower(prompt)

	best := types.CategoryGeneral
	bestVotes := 0
	for _, signal := range keywordSignals {
		votes := 0
		for _, kw := range signal.keywords {
			votes += strings.Count(lower, kw)
		}
		if votes > bestVotes {
			bestVotes = votes
			best = signal.category
		}
	}
	return best
}

func classifyComplexity(prompt string) types.ComplexityTier {
	lower := strings.ToLower(prompt)

	termHits := 0
	for _, term := range technicalTerms {
		if strings.Contains(lower, term) {
			termHits++
		}
	}

	length := len(prompt)
	switch {
	case length > 2000 || termHits >= 4:
		return types.ComplexityHigh
	case length > 500 || termHits >= 1:
		return types.ComplexityMedium
	default:
		return types.ComplexityLow
	}
}
