package builtins

import (
	"log/slog"

	"backtester/internal/advice"
	"backtester/internal/strategy"
)

// Option adjusts which built-ins RegisterDefaults installs.
type Option func(*defaults)

type defaults struct {
	scripts   bool
	scriptDir string
}

// WithScriptDir confines "script" paths to dir.
func WithScriptDir(dir string) Option {
	return func(d *defaults) { d.scriptDir = dir }
}

// WithoutScripts leaves "script" unregistered.
func WithoutScripts() Option {
	return func(d *defaults) { d.scripts = false }
}

// RegisterDefaults registers every built-in strategy on reg. advisor backs the
// "advised" strategy; when nil, building "advised" fails.
func RegisterDefaults(reg *strategy.Registry, advisor advice.Advisor, log *slog.Logger, opts ...Option) {
	d := defaults{scripts: true}
	for _, opt := range opts {
		opt(&d)
	}

	reg.Register("sma-cross", NewSMACrossFromParams)
	reg.Register("advised", AdvisedFactory(advisor, log))
	if d.scripts {
		reg.Register("script", ScriptFactory(d.scriptDir, log))
	}
}
