package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore samples entries below Error. Error and above always pass.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}
	sampler := zapcore.NewSamplerWithOptions(core, cfg.Tick, cfg.Initial, cfg.Thereafter)
	return &splitCore{Core: core, sampled: sampler}
}

// splitCore routes entries below Error through sampled and everything
// else straight to the embedded core.
type splitCore struct {
	zapcore.Core
	sampled zapcore.Core
}

func (c *splitCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if e.Level < zapcore.ErrorLevel {
		return c.sampled.Check(e, ce)
	}
	return c.Core.Check(e, ce)
}

func (c *splitCore) With(fields []zapcore.Field) zapcore.Core {
	return &splitCore{Core: c.Core.With(fields), sampled: c.sampled.With(fields)}
}
