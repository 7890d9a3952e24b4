package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"

	"github.com/templetwo/temple-bridge/internal/secrets"
)

const redactedKey = "[REDACTED]"

// redactingEncoder replaces values of sensitive keys and runs every string
// value, and the message, through the secret scrubber.
type redactingEncoder struct {
	zapcore.Encoder
	keys     map[string]struct{}
	scrubber *secrets.Scrubber
}

// newRedactingEncoder wraps base. A disabled config returns base as is.
func newRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (zapcore.Encoder, error) {
	if !cfg.Enabled {
		return base, nil
	}
	var opts []secrets.Option
	if len(cfg.Rules) > 0 {
		opts = append(opts, secrets.WithRules(cfg.Rules...))
	}
	scrubber, err := secrets.New(opts...)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]struct{}, len(cfg.Keys))
	for _, k := range cfg.Keys {
		keys[strings.ToLower(k)] = struct{}{}
	}
	return &redactingEncoder{Encoder: base, keys: keys, scrubber: scrubber}, nil
}

func (e *redactingEncoder) sensitive(key string) bool {
	_, ok := e.keys[strings.ToLower(key)]
	return ok
}

func (e *redactingEncoder) AddString(key, val string) {
	if e.sensitive(key) {
		val = redactedKey
	}
	e.Encoder.AddString(key, e.scrubber.String(val))
}

func (e *redactingEncoder) AddByteString(key string, val []byte) {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redactedKey)
		return
	}
	e.Encoder.AddString(key, e.scrubber.String(string(val)))
}

func (e *redactingEncoder) AddBinary(key string, val []byte) {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redactedKey)
		return
	}
	e.Encoder.AddBinary(key, val)
}

func (e *redactingEncoder) AddReflected(key string, val any) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redactedKey)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *redactingEncoder) AddArray(key string, arr zapcore.ArrayMarshaler) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redactedKey)
		return nil
	}
	return e.Encoder.AddArray(key, arr)
}

func (e *redactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redactedKey)
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

// EncodeEntry handles per-entry fields. The wrapped encoder adds them to a
// clone of itself, bypassing the Add methods above.
func (e *redactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	ent.Message = e.scrubber.String(ent.Message)
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		switch {
		case e.sensitive(f.Key):
			out[i] = zap.String(f.Key, redactedKey)
		case f.Type == zapcore.StringType:
			out[i] = zap.String(f.Key, e.scrubber.String(f.String))
		case f.Type == zapcore.ErrorType:
			if err, ok := f.Interface.(error); ok && err != nil {
				out[i] = zap.String(f.Key, e.scrubber.String(err.Error()))
				continue
			}
			out[i] = f
		default:
			out[i] = f
		}
	}
	return e.Encoder.EncodeEntry(ent, out)
}

func (e *redactingEncoder) Clone() zapcore.Encoder {
	return &redactingEncoder{Encoder: e.Encoder.Clone(), keys: e.keys, scrubber: e.scrubber}
}
