package assistant

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-wallet/internal/capture"
	"github.com/loqalabs/loqa-wallet/internal/config"
	"github.com/loqalabs/loqa-wallet/internal/dispatch"
	"github.com/loqalabs/loqa-wallet/internal/eventstore"
	"github.com/loqalabs/loqa-wallet/internal/protocol"
	"github.com/loqalabs/loqa-wallet/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Capture.Mode = "mock"
	cfg.Dispatch.Mode = "pattern"
	cfg.Transfer.Mode = "mock"
	cfg.Conversation.Welcome = "Welcome! Say something like \"Send 0.005 ETH to annie.base.eth\"."
	return cfg
}

func newCoordinator(t *testing.T, cfg config.Config, text string, confidence float64, store *eventstore.Store) *Coordinator {
	t.Helper()
	c := New(context.Background(), cfg, Deps{
		Engine:     capture.NewMockEngine(text, confidence, time.Millisecond),
		Classifier: dispatch.NewPatternClassifier(),
		Submitter:  transfer.NewMockSubmitter(),
		Store:      store,
	}, newLogger())
	require.NoError(t, c.Start())
	t.Cleanup(c.Close)
	return c
}

func texts(entries []protocol.ConversationEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Text)
	}
	return out
}

func TestVoiceTransferConfirmed(t *testing.T) {
	ctx := context.Background()
	store, err := eventstore.Open(ctx, config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "w.db"), RetentionMode: "session"}, newLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := testConfig()
	c := newCoordinator(t, cfg, "Send 0.005 ETH to annie.base.eth", 0.95, store)
	require.NoError(t, c.StartCapture())

	require.Eventually(t, func() bool { return c.Snapshot().Transfer.State == transfer.StatePending }, 2*time.Second, 5*time.Millisecond)
	snap := c.Snapshot()
	require.NotNil(t, snap.Transfer.Intent)
	assert.Equal(t, "annie.base.eth", snap.Transfer.Intent.Recipient)
	assert.Equal(t, "Send 0.005 ETH to annie.base.eth", snap.Transfer.Intent.VoiceCommand)
	assert.True(t, snap.Transfer.ControlsEnabled)

	outcome, err := c.Confirm(ctx)
	require.NoError(t, err)
	assert.True(t, outcome.Success)

	entries := c.Entries()
	require.Len(t, entries, 4)
	assert.Equal(t, protocol.EntrySystem, entries[0].Type)
	assert.Equal(t, protocol.EntryUser, entries[1].Type)
	assert.True(t, entries[1].IsVoice)
	assert.Equal(t, "Successfully sent 0.005 ETH to annie.base.eth", entries[2].Text)
	assert.True(t, entries[2].IsSuccess)
	assert.Contains(t, entries[3].Text, "View transaction on Base Sepolia: https://sepolia.basescan.org/tx/0x")
	assert.NotEmpty(t, c.Snapshot().ExplorerURL)

	persisted, err := store.ListEntries(ctx, c.SessionID(), 10)
	require.NoError(t, err)
	assert.Equal(t, texts(entries), texts(persisted))

	audit, err := store.ListTransfers(ctx, c.SessionID())
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "success", audit[0].Status)
	assert.Equal(t, outcome.TxHash, audit[0].TxHash)

	require.NoError(t, c.CloseTransfer())
	assert.Equal(t, transfer.StateNone, c.Snapshot().Transfer.State)
}

func TestVoiceTransferCancelled(t *testing.T) {
	c := newCoordinator(t, testConfig(), "pay john.eth 0.1 eth", 0.9, nil)
	require.NoError(t, c.StartCapture())
	require.Eventually(t, func() bool { return c.Snapshot().Transfer.State == transfer.StatePending }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Cancel(context.Background()))
	entries := c.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, transfer.MsgCancelled, entries[2].Text)
	assert.Equal(t, transfer.StateNone, c.Snapshot().Transfer.State)
}

func TestLowConfidenceIsIgnored(t *testing.T) {
	c := newCoordinator(t, testConfig(), "Send 1 ETH to bob.eth", 0.5, nil)
	require.NoError(t, c.StartCapture())

	require.Eventually(t, func() bool {
		s := c.Snapshot().Capture
		return s.State == capture.StateIdle && s.Transcript != ""
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, c.Entries(), 1)
	assert.Empty(t, c.Snapshot().LastCommand)
}

func TestConversationalReply(t *testing.T) {
	c := newCoordinator(t, testConfig(), "what can you do", 0.9, nil)
	require.NoError(t, c.StartCapture())

	require.Eventually(t, func() bool { return len(c.Entries()) == 3 }, 2*time.Second, 5*time.Millisecond)
	entries := c.Entries()
	assert.Equal(t, "what can you do", entries[1].Text)
	assert.Equal(t, protocol.EntryUser, entries[1].Type)
	assert.Equal(t, dispatch.MsgHelp, entries[2].Text)
	assert.Equal(t, protocol.EntryAssistant, entries[2].Type)
	assert.Equal(t, transfer.StateNone, c.Snapshot().Transfer.State)
}

func TestSecondIntentWhilePending(t *testing.T) {
	c := newCoordinator(t, testConfig(), "hello", 0.9, nil)
	ctx := context.Background()

	c.OnTransferDetected(ctx, protocol.TransferIntent{Amount: 1, Token: "ETH", Recipient: "a.eth", VoiceCommand: "send 1 eth to a.eth"})
	c.OnTransferDetected(ctx, protocol.TransferIntent{Amount: 2, Token: "ETH", Recipient: "b.eth", VoiceCommand: "send 2 eth to b.eth"})

	entries := c.Entries()
	require.Len(t, entries, 4)
	assert.Equal(t, MsgAlreadyPending, entries[3].Text)
	assert.Equal(t, protocol.EntrySystem, entries[3].Type)
	assert.Equal(t, "a.eth", c.Snapshot().Transfer.Intent.Recipient)
}

func TestConfirmRequiresWallet(t *testing.T) {
	cfg := testConfig()
	cfg.Wallet.RequireConnected = true
	c := newCoordinator(t, cfg, "hello", 0.9, nil)
	c.OnTransferDetected(context.Background(), protocol.TransferIntent{Amount: 1, Token: "ETH", Recipient: "a.eth"})

	_, err := c.Confirm(context.Background())
	assert.ErrorIs(t, err, ErrWalletNotConnected)
	assert.Equal(t, transfer.StatePending, c.Snapshot().Transfer.State)
	assert.False(t, c.Snapshot().Wallet.Connected)
}

// scriptedEngine hands its sink to the test so results can be delivered at
// arbitrary points relative to Start and Stop.
type scriptedEngine struct {
	mu   sync.Mutex
	sink capture.Sink
}

func (e *scriptedEngine) Supported() bool { return true }

func (e *scriptedEngine) Start(_ context.Context, _ capture.Options, sink capture.Sink) error {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
	sink.OnStart()
	return nil
}

func (e *scriptedEngine) Stop() error  { return nil }
func (e *scriptedEngine) Abort() error { return nil }

func (e *scriptedEngine) result(text string, confidence float64, final bool) {
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	sink.OnResult(capture.ResultEvent{Results: []capture.Result{{
		Alternatives: []capture.Alternative{{Transcript: text, Confidence: confidence}},
		Final:        final,
	}}})
}

func (e *scriptedEngine) end() {
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	sink.OnEnd()
}

func TestInterimAfterStopIsNotDispatched(t *testing.T) {
	eng := &scriptedEngine{}
	c := New(context.Background(), testConfig(), Deps{
		Engine:     eng,
		Classifier: dispatch.NewPatternClassifier(),
		Submitter:  transfer.NewMockSubmitter(),
	}, newLogger())
	require.NoError(t, c.Start())
	t.Cleanup(c.Close)

	require.NoError(t, c.StartCapture())
	eng.result("send", 0.9, true)
	require.NoError(t, c.StopCapture())
	eng.result("send 5 ETH to bob", 0, false)
	eng.end()

	snap := c.Snapshot().Capture
	assert.Equal(t, capture.StateIdle, snap.State)
	assert.Equal(t, "send 5 ETH to bob", snap.Transcript)
	assert.False(t, snap.Final)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, c.Snapshot().LastCommand)
	assert.Len(t, c.Entries(), 1)
	assert.Equal(t, transfer.StateNone, c.Snapshot().Transfer.State)
}
