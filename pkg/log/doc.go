/*
Package log provides structured logging for relay using zerolog.

log wraps zerolog to give every subsystem a component-scoped child logger
over one globally configured sink, so a single Init call controls level
and format (JSON for production, console for local runs) across the whole
process.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("queue")                   │          │
	│  │  - WithWorkerID("w-3")                      │          │
	│  │  - WithQueue("q-coding")                     │          │
	│  │  - WithTaskID("t-9f2c")                      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │  JSON (production) or console (local dev)   │          │
	│  └──────────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────────┘

# Usage

Every long-running subsystem constructs its logger once, at construction
time, carrying a "component" field for the lifetime of that instance:

	logger := log.WithComponent("dispatcher")
	logger.Info().Str("strategy", string(strategy)).Msg("rebalance cycle complete")

Call-site loggers add identifying fields for one log line without
promoting them to a whole subsystem's context:

	log.WithWorkerID(workerID).Warn().Msg("load score above emergency threshold")
	log.WithTaskID(task.ID).Error().Err(err).Msg("task exhausted retries")

# Functions

  - Init: configure the global logger (level, JSON vs console, output)
  - WithComponent: child logger scoped to a subsystem name
  - WithWorkerID: child logger scoped to one worker
  - WithQueue: child logger scoped to one queue
  - WithTaskID: child logger scoped to one task
  - Info/Debug/Warn/Error/Errorf/Fatal: convenience wrappers over the
    global logger for call sites that don't need a component scope
*/
package log
