package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateError     State = "error"
)

type EventType string

const (
	EventStarted       EventType = "capture.started"
	EventPartialResult EventType = "capture.partial"
	EventFinalResult   EventType = "capture.final"
	EventError         EventType = "capture.error"
	EventEnded         EventType = "capture.ended"
)

// Snapshot is the observable state of a session at one instant.
type Snapshot struct {
	State      State     `json:"state"`
	Transcript string    `json:"transcript"`
	Confidence float64   `json:"confidence"`
	Final      bool      `json:"final"`
	Error      ErrorKind `json:"error,omitempty"`
	Supported  bool      `json:"supported"`
}

type Event struct {
	Type EventType `json:"type"`
	Snapshot
}

// Session owns a single recognition attempt at a time. It is both the owner
// of the engine and the lock on it: Start while listening is a no-op.
type Session struct {
	engine  Engine
	opts    Options
	timeout time.Duration
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	transcript string
	confidence float64
	final      bool
	errKind    ErrorKind
	gen        uint64
	timer      *time.Timer
	supported  bool
	closed     bool

	emitMu sync.Mutex
	events chan Event
	done   chan struct{}
}

func NewSession(parent context.Context, engine Engine, opts Options, timeout time.Duration, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		engine:    engine,
		opts:      opts,
		timeout:   timeout,
		logger:    logger.With(slog.String("component", "capture")),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
		supported: engine != nil && engine.Supported(),
		events:    make(chan Event, 64),
		done:      make(chan struct{}),
	}
}

// Events is the single-consumer stream of capture events. It is closed by Close.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) Supported() bool { return s.supported }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

func (s *Session) Confidence() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confidence
}

func (s *Session) Err() ErrorKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errKind
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		State:      s.state,
		Transcript: s.transcript,
		Confidence: s.confidence,
		Final:      s.final,
		Error:      s.errKind,
		Supported:  s.supported,
	}
}

// Start begins a capture attempt. It returns ErrUnsupported when the engine
// is unavailable and does nothing when a capture is already running.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.supported {
		s.mu.Unlock()
		return ErrUnsupported
	}
	if s.state == StateListening {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	gen := s.gen
	s.transcript = ""
	s.confidence = 0
	s.final = false
	s.errKind = KindNone
	s.state = StateListening
	s.armTimerLocked(gen)
	s.mu.Unlock()

	if err := s.engine.Start(s.ctx, s.opts, &sessionSink{s: s, gen: gen}); err != nil {
		s.logger.Warn("capture start failed", slogError(err))
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return fmt.Errorf("start recognition: %w", err)
		}
		s.stopTimerLocked()
		s.state = StateIdle
		s.errKind = KindStartFailure
		s.emitLocked(EventError)
		return fmt.Errorf("start recognition: %w", err)
	}
	return nil
}

// Stop ends the current capture. Transcript and confidence stay readable
// until the next Start or Reset.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state != StateListening {
		s.stopTimerLocked()
		s.mu.Unlock()
		return nil
	}
	return s.stopLocked()
}

// stopLocked releases s.mu before calling into the engine.
func (s *Session) stopLocked() error {
	s.stopTimerLocked()
	s.state = StateIdle
	s.mu.Unlock()
	if err := s.engine.Stop(); err != nil {
		return fmt.Errorf("stop recognition: %w", err)
	}
	return nil
}

// Reset clears transcript, confidence and error without touching the listening state.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = ""
	s.confidence = 0
	s.final = false
	s.errKind = KindNone
}

// Close aborts any running capture and closes the event stream.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	listening := s.state == StateListening
	s.state = StateIdle
	s.stopTimerLocked()
	close(s.done)
	s.mu.Unlock()

	if listening {
		if err := s.engine.Abort(); err != nil {
			s.logger.Warn("capture abort failed", slogError(err))
		}
	}
	s.cancel()

	s.emitMu.Lock()
	close(s.events)
	s.emitMu.Unlock()
}

func (s *Session) armTimerLocked(gen uint64) {
	s.stopTimerLocked()
	if s.timeout <= 0 {
		return
	}
	s.timer = time.AfterFunc(s.timeout, func() {
		s.mu.Lock()
		if s.gen != gen || s.state != StateListening {
			s.mu.Unlock()
			return
		}
		s.logger.Info("capture inactivity timeout", slog.Duration("timeout", s.timeout))
		if err := s.stopLocked(); err != nil {
			s.logger.Warn("capture timeout stop failed", slogError(err))
		}
	})
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// emitLocked snapshots under s.mu, then hands the send off under emitMu so
// that ordering is preserved without holding s.mu while blocked on the consumer.
// It always releases s.mu.
func (s *Session) emitLocked(typ EventType) {
	ev := Event{Type: typ, Snapshot: s.snapshotLocked()}
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.emitMu.Lock()
	s.mu.Unlock()
	defer s.emitMu.Unlock()
	select {
	case <-s.done:
	default:
		select {
		case s.events <- ev:
		case <-s.done:
		}
	}
}

func (s *Session) handleStart(gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.errKind = KindNone
	s.emitLocked(EventStarted)
}

func (s *Session) handleResult(gen uint64, ev ResultEvent) {
	var finals, interims strings.Builder
	var confidence float64
	var sawFinal bool
	start := ev.ResultIndex
	if start < 0 {
		start = 0
	}
	for i := start; i < len(ev.Results); i++ {
		res := ev.Results[i]
		if len(res.Alternatives) == 0 {
			continue
		}
		best := res.Alternatives[0]
		if res.Final {
			finals.WriteString(best.Transcript)
			confidence = best.Confidence
			sawFinal = true
		} else {
			interims.WriteString(best.Transcript)
		}
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if sawFinal {
		s.transcript = finals.String()
		s.confidence = confidence
		s.final = true
		s.emitLocked(EventFinalResult)
		return
	}
	s.transcript = interims.String()
	s.final = false
	s.emitLocked(EventPartialResult)
}

func (s *Session) handleError(gen uint64, kind ErrorKind) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.stopTimerLocked()
	s.errKind = kind
	s.state = StateError
	s.logger.Info("capture error", slog.String("kind", string(kind)))
	s.emitLocked(EventError)
}

func (s *Session) handleEnd(gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.stopTimerLocked()
	if s.state == StateListening {
		s.state = StateIdle
	}
	s.emitLocked(EventEnded)
}

// sessionSink ties engine callbacks to the capture attempt that started them,
// so late callbacks from an earlier attempt are ignored.
type sessionSink struct {
	s   *Session
	gen uint64
}

func (k *sessionSink) OnStart()                { k.s.handleStart(k.gen) }
func (k *sessionSink) OnResult(ev ResultEvent) { k.s.handleResult(k.gen, ev) }
func (k *sessionSink) OnError(kind ErrorKind)  { k.s.handleError(k.gen, kind) }
func (k *sessionSink) OnEnd()                  { k.s.handleEnd(k.gen) }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
