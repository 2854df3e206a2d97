package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-wallet/internal/bus"
	"github.com/loqalabs/loqa-wallet/internal/config"
)

// Options are the recognizer settings handed to an engine on every start.
type Options struct {
	Language        string
	Continuous      bool
	InterimResults  bool
	MaxAlternatives int
}

// Alternative is one recognition hypothesis for a result segment.
type Alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// Result is one segment of an utterance. Alternatives are ordered best first.
type Result struct {
	Alternatives []Alternative `json:"alternatives"`
	Final        bool          `json:"final"`
}

// ResultEvent carries the results that changed, starting at ResultIndex.
type ResultEvent struct {
	ResultIndex int
	Results     []Result
}

// Sink receives engine callbacks. Engines must call OnEnd exactly once per
// successful Start, including after OnError.
type Sink interface {
	OnStart()
	OnResult(ev ResultEvent)
	OnError(kind ErrorKind)
	OnEnd()
}

// Engine is the platform recognition capability.
type Engine interface {
	Supported() bool
	Start(ctx context.Context, opts Options, sink Sink) error
	// Stop finishes the current utterance and delivers pending results.
	Stop() error
	// Abort discards the current utterance.
	Abort() error
}

func OptionsFromConfig(cfg config.CaptureConfig) Options {
	return Options{
		Language:        cfg.Language,
		Continuous:      cfg.Continuous,
		InterimResults:  cfg.InterimResults,
		MaxAlternatives: cfg.MaxAlternatives,
	}
}

// NewEngine builds the engine selected by cfg.Mode.
func NewEngine(cfg config.CaptureConfig, busClient *bus.Client) (Engine, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockEngine(cfg.MockText, cfg.MockConfidence, 20*time.Millisecond), nil
	case "exec":
		return NewExecEngine(cfg.Command)
	case "bus":
		return NewBusEngine(busClient, cfg.DeviceID), nil
	default:
		return nil, fmt.Errorf("unknown capture mode %q", cfg.Mode)
	}
}
