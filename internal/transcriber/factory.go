package transcriber

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Candidate builds a fresh backend for one session.
type Candidate struct {
	Name string
	New  func() Backend
}

// Factory tries candidates in preference order. The first supported one is
// initialized; there is no fallback once a backend has been chosen.
type Factory struct {
	candidates []Candidate
	logger     *zap.SugaredLogger
}

func NewFactory(logger *zap.SugaredLogger, candidates ...Candidate) *Factory {
	return &Factory{candidates: candidates, logger: logger}
}

// NewFactoryFromConfig wires the built-in backends named in cfg.Preference.
// An empty preference means local first, then networked.
func NewFactoryFromConfig(cfg Config, logger *zap.SugaredLogger) (*Factory, error) {
	pref := cfg.Preference
	if len(pref) == 0 {
		pref = []string{"vosk", "assemblyai"}
	}
	var candidates []Candidate
	for _, name := range pref {
		switch name {
		case "vosk":
			candidates = append(candidates, Candidate{Name: name, New: func() Backend {
				return NewVoskBackend(cfg.Vosk, logger)
			}})
		case "assemblyai":
			candidates = append(candidates, Candidate{Name: name, New: func() Backend {
				return NewAssemblyAIBackend(cfg.AssemblyAI, logger)
			}})
		default:
			return nil, fmt.Errorf("unknown transcription backend %q", name)
		}
	}
	return NewFactory(logger, candidates...), nil
}

// Available lists the candidates whose capability check passes.
func (f *Factory) Available() []string {
	var out []string
	for _, c := range f.candidates {
		b := c.New()
		if b.Supported() {
			out = append(out, c.Name)
		}
		_ = b.Dispose()
	}
	return out
}

func (f *Factory) Create(ctx context.Context, cfg Config) (Backend, error) {
	for _, c := range f.candidates {
		b := c.New()
		if !b.Supported() {
			f.logger.Debugf("Transcription backend %s not supported here", c.Name)
			_ = b.Dispose()
			continue
		}
		if err := b.Initialize(ctx, cfg); err != nil {
			_ = b.Dispose()
			return nil, fmt.Errorf("initialize %s: %w", c.Name, err)
		}
		f.logger.Infof("Transcription backend %s selected", c.Name)
		return b, nil
	}
	return nil, ErrCapabilityUnavailable
}
