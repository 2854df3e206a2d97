package capture

import (
	"context"
	"strings"
	"sync"
	"time"
)

// mockEngine replays one scripted utterance: an interim half, the final
// transcript, then the end of speech.
type mockEngine struct {
	text       string
	confidence float64
	step       time.Duration

	mu   sync.Mutex
	stop chan bool // true = deliver the final result before ending
}

func NewMockEngine(text string, confidence float64, step time.Duration) Engine {
	return &mockEngine{text: text, confidence: confidence, step: step}
}

func (m *mockEngine) Supported() bool { return true }

func (m *mockEngine) Start(ctx context.Context, opts Options, sink Sink) error {
	m.mu.Lock()
	stop := make(chan bool, 1)
	m.stop = stop
	m.mu.Unlock()

	go func() {
		sink.OnStart()
		defer sink.OnEnd()

		final := ResultEvent{Results: []Result{{
			Alternatives: []Alternative{{Transcript: m.text, Confidence: m.confidence}},
			Final:        true,
		}}}

		if opts.InterimResults {
			words := strings.Fields(m.text)
			partial := strings.Join(words[:(len(words)+1)/2], " ")
			if !m.wait(ctx, stop, sink, final) {
				return
			}
			sink.OnResult(ResultEvent{Results: []Result{{
				Alternatives: []Alternative{{Transcript: partial}},
			}}})
		}
		if !m.wait(ctx, stop, sink, final) {
			return
		}
		sink.OnResult(final)
	}()
	return nil
}

// wait returns false when the run was interrupted; a graceful stop still
// delivers the final result.
func (m *mockEngine) wait(ctx context.Context, stop <-chan bool, sink Sink, final ResultEvent) bool {
	select {
	case <-time.After(m.step):
		return true
	case graceful := <-stop:
		if graceful {
			sink.OnResult(final)
		}
		return false
	case <-ctx.Done():
		return false
	}
}

func (m *mockEngine) Stop() error  { return m.signal(true) }
func (m *mockEngine) Abort() error { return m.signal(false) }

func (m *mockEngine) signal(graceful bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop == nil {
		return nil
	}
	select {
	case m.stop <- graceful:
	default:
	}
	return nil
}
