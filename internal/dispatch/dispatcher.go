package dispatch

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-wallet/internal/capture"
	"github.com/loqalabs/loqa-wallet/internal/config"
	"github.com/loqalabs/loqa-wallet/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	MsgDispatchFailure = "Sorry, there was an error processing your voice command."
	MsgRejected        = "Sorry, I couldn't process that command."
)

// Classifier turns an utterance into a conversational reply or a transfer.
type Classifier interface {
	Classify(ctx context.Context, req protocol.VoiceCommandRequest) (protocol.ClassifierResponse, error)
}

// Handler receives exactly one call per dispatched utterance.
type Handler interface {
	OnReply(ctx context.Context, utterance, reply string)
	OnTransferDetected(ctx context.Context, intent protocol.TransferIntent)
}

type DropReason string

const (
	DropListening     DropReason = "listening"
	DropNotFinal      DropReason = "not_final"
	DropBusy          DropReason = "busy"
	DropLowConfidence DropReason = "low_confidence"
	DropEmpty         DropReason = "empty"
	DropDuplicate     DropReason = "duplicate"
	DropDebounced     DropReason = "debounced"
)

// Outcome is the interpretation of one classifier round-trip.
type Outcome struct {
	Reply  string
	Intent *protocol.TransferIntent
}

type Dispatcher struct {
	classifier    Classifier
	handler       Handler
	logger        *slog.Logger
	minConfidence float64
	debounce      time.Duration
	timeout       time.Duration
	clock         func() time.Time

	mu          sync.Mutex
	lastCommand string
	lastNorm    string
	lastAt      time.Time
	processing  bool
	wg          sync.WaitGroup

	tracer     trace.Tracer
	dispatched metric.Int64Counter
	dropped    metric.Int64Counter
}

func New(cfg config.DispatchConfig, classifier Classifier, handler Handler, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		classifier:    classifier,
		handler:       handler,
		logger:        logger.With(slog.String("component", "dispatch")),
		minConfidence: cfg.MinConfidence,
		debounce:      time.Duration(cfg.DebounceMS) * time.Millisecond,
		timeout:       time.Duration(cfg.TimeoutMS) * time.Millisecond,
		clock:         time.Now,
		tracer:        otel.Tracer("github.com/loqalabs/loqa-wallet/dispatch"),
	}
	if d.timeout <= 0 {
		d.timeout = 30 * time.Second
	}
	meter := otel.Meter("github.com/loqalabs/loqa-wallet/dispatch")
	var err error
	if d.dispatched, err = meter.Int64Counter("wallet.dispatch.utterances",
		metric.WithDescription("Utterances sent for classification, by outcome")); err != nil {
		d.logger.Warn("failed to create dispatch counter", slogError(err))
	}
	if d.dropped, err = meter.Int64Counter("wallet.dispatch.dropped",
		metric.WithDescription("Utterances rejected by the dispatch gate, by reason")); err != nil {
		d.logger.Warn("failed to create drop counter", slogError(err))
	}
	return d
}

// Processing reports whether a classification is in flight.
func (d *Dispatcher) Processing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.processing
}

func (d *Dispatcher) LastCommand() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastCommand
}

// Consider applies the gate to a capture snapshot and, when every condition
// holds, starts the classification round-trip in the background. Dropped
// utterances produce no handler call.
func (d *Dispatcher) Consider(ctx context.Context, snap capture.Snapshot) bool {
	d.mu.Lock()
	reason, ok := d.gateLocked(snap)
	if !ok {
		d.mu.Unlock()
		d.logger.Debug("utterance dropped", slog.String("reason", string(reason)))
		d.count(ctx, d.dropped, attribute.String("reason", string(reason)))
		return false
	}
	d.lastCommand = snap.Transcript
	d.lastNorm = normalize(snap.Transcript)
	d.lastAt = d.clock()
	d.processing = true
	d.wg.Add(1)
	d.mu.Unlock()

	req := protocol.VoiceCommandRequest{
		Text:         snap.Transcript,
		Confidence:   snap.Confidence,
		IsVoiceInput: true,
	}
	// Classification is not cancellable once issued.
	callCtx := context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		d.dispatch(callCtx, req)
	}()
	return true
}

func (d *Dispatcher) gateLocked(snap capture.Snapshot) (DropReason, bool) {
	if snap.State == capture.StateListening {
		return DropListening, false
	}
	if !snap.Final {
		return DropNotFinal, false
	}
	if d.processing {
		return DropBusy, false
	}
	if !(snap.Confidence > d.minConfidence) {
		return DropLowConfidence, false
	}
	if strings.TrimSpace(snap.Transcript) == "" {
		return DropEmpty, false
	}
	if snap.Transcript == d.lastCommand {
		return DropDuplicate, false
	}
	if d.debounce > 0 && normalize(snap.Transcript) == d.lastNorm && d.clock().Sub(d.lastAt) < d.debounce {
		return DropDebounced, false
	}
	return "", true
}

func (d *Dispatcher) dispatch(ctx context.Context, req protocol.VoiceCommandRequest) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	ctx, span := d.tracer.Start(ctx, "dispatch.classify")
	defer span.End()

	start := time.Now()
	resp, err := d.classifier.Classify(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Warn("voice command classification failed", slogError(err))
	}
	outcome := Interpret(req.Text, resp, err)

	// The next utterance waits until this one's handler call has returned.
	defer func() {
		d.mu.Lock()
		d.processing = false
		d.mu.Unlock()
	}()

	kind := "reply"
	switch {
	case err != nil:
		kind = "failure"
	case outcome.Intent != nil:
		kind = "transfer"
	}
	span.SetAttributes(attribute.String("outcome", kind))
	d.count(ctx, d.dispatched, attribute.String("outcome", kind))
	d.logger.Info("voice command classified",
		slog.String("outcome", kind),
		slog.Duration("latency", time.Since(start)))

	if outcome.Intent != nil {
		d.handler.OnTransferDetected(ctx, *outcome.Intent)
		return
	}
	d.handler.OnReply(ctx, req.Text, outcome.Reply)
}

// Interpret maps a classifier round-trip to exactly one outcome.
func Interpret(utterance string, resp protocol.ClassifierResponse, err error) Outcome {
	if err != nil {
		return Outcome{Reply: MsgDispatchFailure}
	}
	if !resp.Success {
		if resp.Message == "" {
			return Outcome{Reply: MsgRejected}
		}
		return Outcome{Reply: resp.Message}
	}
	if resp.Transfer != nil {
		amount := float64(resp.Transfer.Amount)
		if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
			return Outcome{Reply: MsgInvalidAmount}
		}
		return Outcome{Intent: &protocol.TransferIntent{
			Amount:       amount,
			Token:        resp.Transfer.Token,
			Recipient:    resp.Transfer.Recipient,
			VoiceCommand: utterance,
		}}
	}
	return Outcome{Reply: resp.Message}
}

// Close waits for in-flight classifications to resolve.
func (d *Dispatcher) Close() {
	d.wg.Wait()
}

func (d *Dispatcher) count(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
