package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-wallet/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrTransferPending    = errors.New("a transfer is already awaiting confirmation")
	ErrSubmissionInFlight = errors.New("transfer submission already in flight")
	ErrInvalidTransition  = errors.New("invalid transfer state transition")
)

const (
	MsgCancelled     = "Transaction cancelled."
	MsgDefaultFailed = "Transaction failed"
	MsgSubmitted     = "Transaction submitted."
)

type State string

const (
	StateNone            State = "none"
	StatePending         State = "pending"
	StateSubmitting      State = "submitting"
	StateResolvedSuccess State = "resolved_success"
	StateResolvedFailure State = "resolved_failure"
)

func (s State) Resolved() bool {
	return s == StateResolvedSuccess || s == StateResolvedFailure
}

// Outcome is produced once per confirmed intent and never mutated.
type Outcome struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ExplorerURL links a successful transaction hash on the block explorer.
func (o Outcome) ExplorerURL(base string) string {
	if !o.Success || o.TxHash == "" || base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/" + o.TxHash
}

// SubmissionError is returned by Confirm when the submitter failed or
// rejected the transfer.
type SubmissionError struct {
	Message string
	Err     error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transfer submission failed: %s: %v", e.Message, e.Err)
	}
	return "transfer submission failed: " + e.Message
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Submitter executes a confirmed transfer against the chain backend.
type Submitter interface {
	Submit(ctx context.Context, req protocol.SubmissionRequest) (protocol.SubmissionResponse, error)
}

// ConversationLog is the append-only sink for user-visible entries.
type ConversationLog interface {
	Append(ctx context.Context, entry protocol.ConversationEntry) error
}

// Observer is notified after every state change. Calls are serialized.
type Observer func(Snapshot)

// Snapshot is a consistent view of the flow.
type Snapshot struct {
	State           State                    `json:"state"`
	Intent          *protocol.TransferIntent `json:"intent,omitempty"`
	Outcome         *Outcome                 `json:"outcome,omitempty"`
	ControlsEnabled bool                     `json:"controlsEnabled"`
}

// Flow owns the single pending-transfer slot.
type Flow struct {
	submitter Submitter
	log       ConversationLog
	logger    *slog.Logger
	observer  Observer
	timeout   time.Duration

	mu      sync.Mutex
	state   State
	intent  *protocol.TransferIntent
	outcome *Outcome

	notifyMu sync.Mutex

	tracer   trace.Tracer
	outcomes metric.Int64Counter
}

type Option func(*Flow)

// WithObserver registers a callback for state changes.
func WithObserver(obs Observer) Option {
	return func(f *Flow) { f.observer = obs }
}

// WithTimeout bounds each submission call.
func WithTimeout(d time.Duration) Option {
	return func(f *Flow) { f.timeout = d }
}

func NewFlow(submitter Submitter, log ConversationLog, logger *slog.Logger, opts ...Option) *Flow {
	f := &Flow{
		submitter: submitter,
		log:       log,
		logger:    logger.With(slog.String("component", "transfer")),
		state:     StateNone,
		tracer:    otel.Tracer("github.com/loqalabs/loqa-wallet/transfer"),
	}
	for _, opt := range opts {
		opt(f)
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-wallet/transfer").Int64Counter("wallet.transfer.outcomes",
		metric.WithDescription("Transfer flow transitions, by result"))
	if err != nil {
		f.logger.Warn("failed to create outcome counter", slogError(err))
	}
	f.outcomes = counter
	return f
}

func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// ControlsEnabled reports whether confirm and cancel may be offered.
func (f *Flow) ControlsEnabled() bool {
	return f.State() == StatePending
}

func (f *Flow) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

func (f *Flow) snapshotLocked() Snapshot {
	snap := Snapshot{State: f.state, ControlsEnabled: f.state == StatePending}
	if f.intent != nil {
		intent := *f.intent
		snap.Intent = &intent
	}
	if f.outcome != nil {
		outcome := *f.outcome
		snap.Outcome = &outcome
	}
	return snap
}

// Propose makes intent the pending transfer. Only one intent may be active.
func (f *Flow) Propose(intent protocol.TransferIntent) error {
	f.mu.Lock()
	if f.state != StateNone {
		f.mu.Unlock()
		return ErrTransferPending
	}
	f.state = StatePending
	f.intent = &intent
	f.outcome = nil
	snap := f.snapshotLocked()
	f.mu.Unlock()

	f.logger.Info("transfer proposed",
		slog.Float64("amount", intent.Amount),
		slog.String("token", intent.Token),
		slog.String("recipient", intent.Recipient))
	f.record(context.Background(), "proposed")
	f.notify(snap)
	return nil
}

// Cancel abandons the pending transfer without submitting it.
func (f *Flow) Cancel(ctx context.Context) error {
	f.mu.Lock()
	if f.state != StatePending {
		state := f.state
		f.mu.Unlock()
		return fmt.Errorf("cancel from %s: %w", state, ErrInvalidTransition)
	}
	f.state = StateNone
	f.intent = nil
	snap := f.snapshotLocked()
	f.mu.Unlock()

	f.logger.Info("transfer cancelled")
	f.record(ctx, "cancelled")
	f.append(ctx, protocol.ConversationEntry{Text: MsgCancelled, Type: protocol.EntryAssistant})
	f.notify(snap)
	return nil
}

// Confirm submits the pending transfer and resolves the flow with the result.
// The submission runs to completion even if ctx is cancelled.
func (f *Flow) Confirm(ctx context.Context) (Outcome, error) {
	f.mu.Lock()
	switch f.state {
	case StatePending:
	case StateSubmitting:
		f.mu.Unlock()
		return Outcome{}, ErrSubmissionInFlight
	default:
		state := f.state
		f.mu.Unlock()
		return Outcome{}, fmt.Errorf("confirm from %s: %w", state, ErrInvalidTransition)
	}
	f.state = StateSubmitting
	intent := *f.intent
	snap := f.snapshotLocked()
	f.mu.Unlock()
	f.notify(snap)

	callCtx := context.WithoutCancel(ctx)
	if f.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, f.timeout)
		defer cancel()
	}
	callCtx, span := f.tracer.Start(callCtx, "transfer.submit", trace.WithAttributes(
		attribute.String("token", intent.Token),
		attribute.Float64("amount", intent.Amount)))
	defer span.End()

	resp, err := f.submitter.Submit(callCtx, protocol.SubmissionRequest{
		Amount:    intent.Amount,
		Token:     intent.Token,
		Recipient: intent.Recipient,
	})

	var outcome Outcome
	var subErr *SubmissionError
	switch {
	case err != nil:
		msg := resp.Message
		if msg == "" {
			msg = err.Error()
		}
		subErr = &SubmissionError{Message: msg, Err: err}
		outcome = Outcome{Error: msg}
	case !resp.Success:
		msg := resp.Message
		if msg == "" {
			msg = MsgDefaultFailed
		}
		subErr = &SubmissionError{Message: msg}
		outcome = Outcome{Error: msg}
	default:
		msg := strings.TrimSpace(resp.Message)
		if msg == "" {
			msg = MsgSubmitted
		}
		outcome = Outcome{Success: true, TxHash: resp.TxHash, Message: msg}
	}

	f.mu.Lock()
	f.outcome = &outcome
	if outcome.Success {
		f.state = StateResolvedSuccess
	} else {
		f.state = StateResolvedFailure
	}
	snap = f.snapshotLocked()
	f.mu.Unlock()

	if subErr != nil {
		span.RecordError(subErr)
		span.SetStatus(codes.Error, subErr.Message)
		f.logger.Warn("transfer failed", slog.String("message", subErr.Message))
		f.record(ctx, "failure")
		f.append(ctx, protocol.ConversationEntry{
			Text:    "Transaction failed: " + subErr.Message,
			Type:    protocol.EntryAssistant,
			IsError: true,
		})
		f.notify(snap)
		return outcome, subErr
	}

	f.logger.Info("transfer submitted", slog.String("tx_hash", outcome.TxHash))
	f.record(ctx, "success")
	f.append(ctx, protocol.ConversationEntry{
		Text:      outcome.Message,
		Type:      protocol.EntryAssistant,
		IsSuccess: true,
	})
	f.notify(snap)
	return outcome, nil
}

// Close dismisses a resolved transfer, returning the flow to none.
func (f *Flow) Close() error {
	f.mu.Lock()
	if !f.state.Resolved() {
		state := f.state
		f.mu.Unlock()
		return fmt.Errorf("close from %s: %w", state, ErrInvalidTransition)
	}
	f.state = StateNone
	f.intent = nil
	f.outcome = nil
	snap := f.snapshotLocked()
	f.mu.Unlock()
	f.notify(snap)
	return nil
}

func (f *Flow) append(ctx context.Context, entry protocol.ConversationEntry) {
	if f.log == nil {
		return
	}
	if err := f.log.Append(context.WithoutCancel(ctx), entry); err != nil {
		f.logger.Warn("failed to append conversation entry", slogError(err))
	}
}

func (f *Flow) notify(snap Snapshot) {
	if f.observer == nil {
		return
	}
	f.notifyMu.Lock()
	defer f.notifyMu.Unlock()
	f.observer(snap)
}

func (f *Flow) record(ctx context.Context, result string) {
	if f.outcomes == nil {
		return
	}
	f.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
