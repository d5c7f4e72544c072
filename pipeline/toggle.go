package pipeline

// Toggle is an optional stage: either Disabled or Enabled with its config.
type Toggle[T any] struct {
	cfg T
	on  bool
}

// Disabled returns a toggle for a stage that does not run.
func Disabled[T any]() Toggle[T] { return Toggle[T]{} }

// Enabled returns a toggle for a stage that runs with cfg.
func Enabled[T any](cfg T) Toggle[T] { return Toggle[T]{cfg: cfg, on: true} }

// Config returns the stage config and whether the stage is enabled.
func (t Toggle[T]) Config() (T, bool) { return t.cfg, t.on }

// On reports whether the stage is enabled.
func (t Toggle[T]) On() bool { return t.on }
