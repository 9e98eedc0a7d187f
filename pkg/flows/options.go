package flows

import (
	"log/slog"
	"slices"

	"github.com/randalmurphal/flowstack/pkg/flows/checkpoint"
	"github.com/randalmurphal/flowstack/pkg/flows/config"
	"github.com/randalmurphal/flowstack/pkg/flows/observability"
)

// compileConfig holds graph-wide settings fixed at Compile.
type compileConfig struct {
	checkpointer checkpoint.Saver
	versions     checkpoint.VersionGenerator
	defaults     config.Config
	logger       *slog.Logger
	err          error
}

func defaultCompileConfig() compileConfig {
	return compileConfig{
		versions: checkpoint.IncrementVersion,
		defaults: config.New(nil),
		logger:   slog.Default(),
	}
}

// CompileOption configures a compiled graph.
type CompileOption func(*compileConfig)

// WithCheckpointer persists checkpoints to saver. Without one the graph
// still runs, but cannot resume, interrupt across invocations or report
// state.
func WithCheckpointer(saver checkpoint.Saver) CompileOption {
	return func(c *compileConfig) {
		c.checkpointer = saver
	}
}

// WithVersionGenerator replaces checkpoint.IncrementVersion as the
// channel version generator.
func WithVersionGenerator(next checkpoint.VersionGenerator) CompileOption {
	return func(c *compileConfig) {
		if next != nil {
			c.versions = next
		}
	}
}

// WithDefaults sets the config every invocation starts from. Invocation
// options override it.
func WithDefaults(cfg config.Config) CompileOption {
	return func(c *compileConfig) {
		c.defaults = cfg
	}
}

// WithDefaultsFile is WithDefaults with the config loaded from files by
// config.FromFile. Compile fails when they cannot be loaded.
func WithDefaultsFile(paths ...string) CompileOption {
	return func(c *compileConfig) {
		cfg, err := config.FromFile(paths...)
		if err != nil {
			c.err = err
			return
		}
		c.defaults = cfg
	}
}

// WithDefaultLogger sets the logger used when an invocation does not pass
// WithLogger. Default: slog.Default().
func WithDefaultLogger(logger *slog.Logger) CompileOption {
	return func(c *compileConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// runConfig holds the settings of one invocation.
type runConfig struct {
	cfg    config.Config
	runID  string
	logger *slog.Logger

	metricsEnabled bool
	metrics        observability.MetricsRecorder
	tracingEnabled bool
	spans          observability.SpanManager
}

func defaultRunConfig(defaults config.Config, logger *slog.Logger) runConfig {
	return runConfig{
		cfg:     defaults,
		logger:  logger,
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
	}
}

// RunOption configures one invocation.
type RunOption func(*runConfig)

// WithThreadID selects the checkpoint thread.
func WithThreadID(id string) RunOption {
	return func(c *runConfig) {
		c.cfg = c.cfg.With(config.KeyThreadID, id)
	}
}

// WithThreadTS pins the invocation to a checkpoint id of the thread.
func WithThreadTS(id string) RunOption {
	return func(c *runConfig) {
		c.cfg = c.cfg.With(config.KeyThreadTS, id)
	}
}

// WithRecursionLimit bounds the number of steps.
// Default: 25
//
// A run that still has tasks after this many steps fails with a
// *RecursionLimitError.
func WithRecursionLimit(n int) RunOption {
	return func(c *runConfig) {
		c.cfg = c.cfg.With(config.KeyRecursionLimit, n)
	}
}

// WithInterruptBefore stops the run before any of nodes runs. Pass
// config.All to stop before every step.
func WithInterruptBefore(nodes ...string) RunOption {
	return func(c *runConfig) {
		c.cfg = c.cfg.With(config.KeyInterruptBefore, slices.Clone(nodes))
	}
}

// WithInterruptAfter stops the run after any of nodes ran.
func WithInterruptAfter(nodes ...string) RunOption {
	return func(c *runConfig) {
		c.cfg = c.cfg.With(config.KeyInterruptAfter, slices.Clone(nodes))
	}
}

// WithStreamMode selects what Stream yields: config.StreamValues,
// config.StreamUpdates or config.StreamDebug.
func WithStreamMode(mode string) RunOption {
	return func(c *runConfig) {
		c.cfg = c.cfg.With(config.KeyStreamMode, mode)
	}
}

// WithDebug logs the tasks, writes and checkpoint of every step.
func WithDebug(enabled bool) RunOption {
	return func(c *runConfig) {
		c.cfg = c.cfg.With(config.KeyDebug, enabled)
	}
}

// WithMaxConcurrency bounds how many tasks of a step run at once.
// Zero means no bound.
func WithMaxConcurrency(n int) RunOption {
	return func(c *runConfig) {
		c.cfg = c.cfg.With(config.KeyMaxConcurrency, n)
	}
}

// WithWorkerPool runs tasks on a worker pool of the given size instead of
// one goroutine per task. A size of zero or less means unbounded.
func WithWorkerPool(size int) RunOption {
	return func(c *runConfig) {
		c.cfg = c.cfg.With(config.KeyExecutor, config.ExecutorPool).
			With(config.KeyMaxConcurrency, max(size, 0))
	}
}

// WithConfig overlays cfg on the invocation config. Nodes see the result
// through Context.Config.
func WithConfig(cfg config.Config) RunOption {
	return func(c *runConfig) {
		c.cfg = c.cfg.Merge(cfg)
	}
}

// WithRunID sets the run identifier used in logs and spans.
// Default: a new UUID.
func WithRunID(id string) RunOption {
	return func(c *runConfig) {
		c.runID = id
	}
}

// WithLogger sets the invocation logger.
func WithLogger(logger *slog.Logger) RunOption {
	return func(c *runConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables OpenTelemetry metrics for the invocation.
func WithMetrics(enabled bool) RunOption {
	return func(c *runConfig) {
		c.metricsEnabled = enabled
		if enabled {
			c.metrics = observability.NewMetricsRecorder()
		} else {
			c.metrics = observability.NoopMetrics{}
		}
	}
}

// WithTracing enables OpenTelemetry spans for the run, its steps and its
// tasks.
func WithTracing(enabled bool) RunOption {
	return func(c *runConfig) {
		c.tracingEnabled = enabled
		if enabled {
			c.spans = observability.NewSpanManager()
		} else {
			c.spans = observability.NoopSpanManager{}
		}
	}
}
