package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-wallet/internal/bus"
	"github.com/loqalabs/loqa-wallet/internal/protocol"
	"github.com/nats-io/nats.go"
)

// busEngine listens to transcripts that an edge STT node publishes on the
// bus for one device.
type busEngine struct {
	bus      *bus.Client
	deviceID string

	mu  sync.Mutex
	run *busRun
}

type busRun struct {
	sub     *nats.Subscription
	cancel  context.CancelFunc
	sink    Sink
	opts    Options
	results []Result
	ended   bool
}

func NewBusEngine(busClient *bus.Client, deviceID string) Engine {
	return &busEngine{bus: busClient, deviceID: deviceID}
}

func (e *busEngine) Supported() bool { return e.bus.Healthy() }

func (e *busEngine) Start(ctx context.Context, opts Options, sink Sink) error {
	if !e.bus.Healthy() {
		return fmt.Errorf("bus not connected")
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := &busRun{sink: sink, opts: opts, cancel: cancel}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run != nil {
		e.finishLocked(e.run)
	}
	// One wildcard subscription keeps partial and final transcripts in order.
	sub, err := e.bus.Conn().Subscribe("stt.text.*", func(msg *nats.Msg) {
		e.handle(run, msg)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe transcripts: %w", err)
	}
	run.sub = sub
	e.run = run
	sink.OnStart()

	go func() {
		<-runCtx.Done()
		e.mu.Lock()
		defer e.mu.Unlock()
		e.finishLocked(run)
	}()
	return nil
}

func (e *busEngine) handle(run *busRun, msg *nats.Msg) {
	if msg.Subject != protocol.SubjectTranscriptPartial && msg.Subject != protocol.SubjectTranscriptFinal {
		return
	}
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		return
	}
	if transcript.SessionID != e.deviceID {
		return
	}
	final := msg.Subject == protocol.SubjectTranscriptFinal && !transcript.Partial

	e.mu.Lock()
	defer e.mu.Unlock()
	if run.ended {
		return
	}
	if !final && !run.opts.InterimResults {
		return
	}
	if n := len(run.results); n > 0 && !run.results[n-1].Final {
		run.results = run.results[:n-1]
	}
	run.results = append(run.results, Result{
		Alternatives: []Alternative{{Transcript: transcript.Text, Confidence: transcript.Confidence}},
		Final:        final,
	})
	run.sink.OnResult(ResultEvent{Results: append([]Result(nil), run.results...)})
	if final && !run.opts.Continuous {
		e.finishLocked(run)
	}
}

func (e *busEngine) finishLocked(run *busRun) {
	if run.ended {
		return
	}
	run.ended = true
	run.cancel()
	if run.sub != nil {
		_ = run.sub.Unsubscribe()
	}
	if e.run == run {
		e.run = nil
	}
	run.sink.OnEnd()
}

func (e *busEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run != nil {
		e.finishLocked(e.run)
	}
	return nil
}

func (e *busEngine) Abort() error { return e.Stop() }
