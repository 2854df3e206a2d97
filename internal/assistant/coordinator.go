package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-wallet/internal/bus"
	"github.com/loqalabs/loqa-wallet/internal/capture"
	"github.com/loqalabs/loqa-wallet/internal/config"
	"github.com/loqalabs/loqa-wallet/internal/conversation"
	"github.com/loqalabs/loqa-wallet/internal/dispatch"
	"github.com/loqalabs/loqa-wallet/internal/eventstore"
	"github.com/loqalabs/loqa-wallet/internal/protocol"
	"github.com/loqalabs/loqa-wallet/internal/transfer"
)

const MsgAlreadyPending = "A transaction is already awaiting confirmation."

var ErrWalletNotConnected = errors.New("wallet not connected")

// Deps are the pluggable collaborators of a coordinator. Bus and Store may be nil.
type Deps struct {
	Engine     capture.Engine
	Classifier dispatch.Classifier
	Submitter  transfer.Submitter
	Bus        *bus.Client
	Store      *eventstore.Store
}

// Coordinator owns one capture session, one dispatcher and one transfer flow,
// and routes events between them and the conversation log.
type Coordinator struct {
	cfg       config.Config
	sessionID string
	logger    *slog.Logger
	bus       *bus.Client
	store     *eventstore.Store

	capture    *capture.Session
	dispatcher *dispatch.Dispatcher
	flow       *transfer.Flow
	memory     *conversation.Memory
	log        conversation.Log

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	started   bool
	auditID   string
	audit     eventstore.TransferRecord
	lastState transfer.State
}

func New(parent context.Context, cfg config.Config, deps Deps, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	c := &Coordinator{
		cfg:       cfg,
		sessionID: uuid.NewString(),
		logger:    logger.With(slog.String("component", "assistant")),
		bus:       deps.Bus,
		store:     deps.Store,
		ctx:       ctx,
		cancel:    cancel,
		lastState: transfer.StateNone,
	}
	c.logger = c.logger.With(slog.String("session_id", c.sessionID))

	c.memory = conversation.NewMemory(cfg.Conversation.MaxEntries)
	sinks := []conversation.Log{c.memory}
	if deps.Store != nil {
		sinks = append(sinks, conversation.NewStoreLog(deps.Store, c.sessionID))
	}
	if deps.Bus != nil {
		sinks = append(sinks, conversation.NewBusLog(deps.Bus, c.sessionID, logger))
	}
	c.log = conversation.NewMulti(sinks...)

	c.flow = transfer.NewFlow(deps.Submitter, c.log, logger,
		transfer.WithObserver(c.onTransferChange),
		transfer.WithTimeout(time.Duration(cfg.Transfer.TimeoutMS)*time.Millisecond))
	c.capture = capture.NewSession(ctx, deps.Engine, capture.OptionsFromConfig(cfg.Capture),
		time.Duration(cfg.Capture.InactivityTimeoutMS)*time.Millisecond, logger)
	c.dispatcher = dispatch.New(cfg.Dispatch, deps.Classifier, c, logger)
	return c
}

// Start records the session, greets the user and begins consuming capture events.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if err := c.store.AppendSession(c.ctx, c.sessionID, c.cfg.Wallet.Address); err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	if welcome := strings.TrimSpace(c.cfg.Conversation.Welcome); welcome != "" {
		c.append(c.ctx, protocol.ConversationEntry{Text: welcome, Type: protocol.EntrySystem})
	}

	c.wg.Add(1)
	go c.consume()
	c.logger.Info("assistant session started", slog.Bool("capture_supported", c.capture.Supported()))
	return nil
}

func (c *Coordinator) consume() {
	defer c.wg.Done()
	for ev := range c.capture.Events() {
		c.publish(protocol.SubjectCaptureEvent, string(ev.Type), ev)
		if ev.Type == capture.EventError {
			c.logger.Info("capture error", slog.String("kind", string(ev.Error)))
		}
		if ev.State != capture.StateListening {
			c.dispatcher.Consider(c.ctx, ev.Snapshot)
		}
	}
}

// Close stops capture and waits for in-flight classifications to finish.
func (c *Coordinator) Close() {
	c.capture.Close()
	c.wg.Wait()
	c.dispatcher.Close()
	c.cancel()
}

func (c *Coordinator) SessionID() string { return c.sessionID }

func (c *Coordinator) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *Coordinator) StartCapture() error { return c.capture.Start() }
func (c *Coordinator) StopCapture() error  { return c.capture.Stop() }
func (c *Coordinator) ResetCapture()       { c.capture.Reset() }

// Confirm submits the pending transfer. It refuses when a wallet is required
// but none is configured.
func (c *Coordinator) Confirm(ctx context.Context) (transfer.Outcome, error) {
	if c.cfg.Wallet.RequireConnected && !c.WalletConnected() {
		return transfer.Outcome{}, ErrWalletNotConnected
	}
	return c.flow.Confirm(ctx)
}

func (c *Coordinator) Cancel(ctx context.Context) error { return c.flow.Cancel(ctx) }
func (c *Coordinator) CloseTransfer() error             { return c.flow.Close() }

func (c *Coordinator) WalletConnected() bool {
	return strings.TrimSpace(c.cfg.Wallet.Address) != ""
}

// Entries returns the retained conversation in order.
func (c *Coordinator) Entries() []protocol.ConversationEntry {
	return c.memory.Entries()
}

// OnReply implements dispatch.Handler.
func (c *Coordinator) OnReply(ctx context.Context, utterance, reply string) {
	c.append(ctx, protocol.ConversationEntry{Text: utterance, Type: protocol.EntryUser, IsVoice: true})
	c.append(ctx, protocol.ConversationEntry{
		Text:    reply,
		Type:    protocol.EntryAssistant,
		IsError: reply == dispatch.MsgDispatchFailure,
	})
}

// OnTransferDetected implements dispatch.Handler.
func (c *Coordinator) OnTransferDetected(ctx context.Context, intent protocol.TransferIntent) {
	c.append(ctx, protocol.ConversationEntry{Text: intent.VoiceCommand, Type: protocol.EntryUser, IsVoice: true})
	if err := c.flow.Propose(intent); err != nil {
		if errors.Is(err, transfer.ErrTransferPending) {
			c.logger.Info("transfer intent rejected", slog.String("recipient", intent.Recipient))
			c.append(ctx, protocol.ConversationEntry{Text: MsgAlreadyPending, Type: protocol.EntrySystem})
			return
		}
		c.logger.Warn("transfer proposal failed", slogError(err))
	}
}

// onTransferChange runs after every flow transition, serialized by the flow.
func (c *Coordinator) onTransferChange(snap transfer.Snapshot) {
	c.publish(protocol.SubjectTransferState, "transfer.state", snap)

	c.mu.Lock()
	prev := c.lastState
	c.lastState = snap.State
	var rec *eventstore.TransferRecord
	evtType := ""
	switch {
	case snap.State == transfer.StatePending && snap.Intent != nil:
		c.auditID = uuid.NewString()
		c.audit = eventstore.TransferRecord{
			ID:           c.auditID,
			SessionID:    c.sessionID,
			Amount:       snap.Intent.Amount,
			Token:        snap.Intent.Token,
			Recipient:    snap.Intent.Recipient,
			VoiceCommand: snap.Intent.VoiceCommand,
			Status:       "pending",
		}
		evtType = eventstore.TypeTransferProposed
	case snap.State == transfer.StateSubmitting:
		c.audit.Status = "submitting"
	case snap.State.Resolved() && snap.Outcome != nil:
		c.audit.Status = "failed"
		if snap.Outcome.Success {
			c.audit.Status = "success"
		}
		c.audit.TxHash = snap.Outcome.TxHash
		c.audit.Error = snap.Outcome.Error
		evtType = eventstore.TypeTransferResolved
	case snap.State == transfer.StateNone && prev == transfer.StatePending:
		c.audit.Status = "cancelled"
		evtType = eventstore.TypeTransferCancelled
	default:
		c.mu.Unlock()
		return
	}
	if c.auditID != "" {
		copied := c.audit
		rec = &copied
	}
	c.mu.Unlock()

	ctx := context.WithoutCancel(c.ctx)
	if rec != nil {
		if err := c.store.SaveTransfer(ctx, *rec); err != nil {
			c.logger.Warn("failed to save transfer audit", slogError(err))
		}
		if evtType != "" {
			if err := c.store.AppendEvent(ctx, eventstore.Event{SessionID: c.sessionID, TraceID: rec.ID, Type: evtType}); err != nil {
				c.logger.Warn("failed to record transfer event", slogError(err))
			}
		}
	}

	if snap.State == transfer.StateResolvedSuccess && snap.Outcome != nil {
		if link := snap.Outcome.ExplorerURL(c.cfg.Transfer.ExplorerURL); link != "" {
			text := "View transaction: " + link
			if network := c.cfg.Transfer.Network; network != "" {
				text = fmt.Sprintf("View transaction on %s: %s", network, link)
			}
			c.append(ctx, protocol.ConversationEntry{Text: text, Type: protocol.EntrySystem})
		}
	}
}

// Snapshot is the session view served to UI clients.
type Snapshot struct {
	SessionID   string            `json:"sessionId"`
	Capture     capture.Snapshot  `json:"capture"`
	Processing  bool              `json:"processing"`
	LastCommand string            `json:"lastCommand,omitempty"`
	Transfer    transfer.Snapshot `json:"transfer"`
	ExplorerURL string            `json:"explorerUrl,omitempty"`
	Network     string            `json:"network,omitempty"`
	Wallet      WalletStatus      `json:"wallet"`
}

type WalletStatus struct {
	Connected bool   `json:"connected"`
	Address   string `json:"address,omitempty"`
}

func (c *Coordinator) Snapshot() Snapshot {
	snap := Snapshot{
		SessionID:   c.sessionID,
		Capture:     c.capture.Snapshot(),
		Processing:  c.dispatcher.Processing(),
		LastCommand: c.dispatcher.LastCommand(),
		Transfer:    c.flow.Snapshot(),
		Network:     c.cfg.Transfer.Network,
		Wallet: WalletStatus{
			Connected: c.WalletConnected(),
			Address:   c.cfg.Wallet.Address,
		},
	}
	if snap.Transfer.Outcome != nil {
		snap.ExplorerURL = snap.Transfer.Outcome.ExplorerURL(c.cfg.Transfer.ExplorerURL)
	}
	return snap
}

func (c *Coordinator) append(ctx context.Context, entry protocol.ConversationEntry) {
	if err := c.log.Append(context.WithoutCancel(ctx), entry); err != nil {
		c.logger.Warn("failed to append conversation entry", slogError(err))
	}
}

func (c *Coordinator) publish(subject, eventType string, data any) {
	if c.bus == nil {
		return
	}
	evt, err := protocol.NewSessionEvent(c.sessionID, eventType, time.Now().UTC(), data)
	if err != nil {
		c.logger.Warn("failed to encode session event", slogError(err))
		return
	}
	if err := c.bus.PublishJSON(subject, evt); err != nil {
		c.logger.Warn("failed to publish session event", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
