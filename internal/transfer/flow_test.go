package transfer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-wallet/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type mockSubmitterT struct {
	mock.Mock
}

func (m *mockSubmitterT) Submit(ctx context.Context, req protocol.SubmissionRequest) (protocol.SubmissionResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(protocol.SubmissionResponse), args.Error(1)
}

type entryLog struct {
	mu      sync.Mutex
	entries []protocol.ConversationEntry
}

func (l *entryLog) Append(_ context.Context, e protocol.ConversationEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

func (l *entryLog) all() []protocol.ConversationEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.ConversationEntry(nil), l.entries...)
}

var annie = protocol.TransferIntent{
	Amount:       0.005,
	Token:        "ETH",
	Recipient:    "annie.base.eth",
	VoiceCommand: "Send 0.005 ETH to annie.base.eth",
}

var annieRequest = protocol.SubmissionRequest{Amount: 0.005, Token: "ETH", Recipient: "annie.base.eth"}

func TestConfirmSuccess(t *testing.T) {
	sub := &mockSubmitterT{}
	sub.On("Submit", mock.Anything, annieRequest).
		Return(protocol.SubmissionResponse{Success: true, Message: "Sent 0.005 ETH", TxHash: "0xabc"}, nil).Once()
	log := &entryLog{}
	flow := NewFlow(sub, log, newLogger())

	require.NoError(t, flow.Propose(annie))
	assert.Equal(t, StatePending, flow.State())
	assert.True(t, flow.ControlsEnabled())

	outcome, err := flow.Confirm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Outcome{Success: true, TxHash: "0xabc", Message: "Sent 0.005 ETH"}, outcome)
	assert.Equal(t, StateResolvedSuccess, flow.State())
	assert.False(t, flow.ControlsEnabled())

	entries := log.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "Sent 0.005 ETH", entries[0].Text)
	assert.True(t, entries[0].IsSuccess)
	assert.Equal(t, protocol.EntryAssistant, entries[0].Type)
	sub.AssertExpectations(t)

	snap := flow.Snapshot()
	require.NotNil(t, snap.Outcome)
	assert.Equal(t, "https://sepolia.basescan.org/tx/0xabc", snap.Outcome.ExplorerURL("https://sepolia.basescan.org/tx/"))
}

func TestCancelNeverSubmits(t *testing.T) {
	sub := &mockSubmitterT{}
	log := &entryLog{}
	flow := NewFlow(sub, log, newLogger())

	require.NoError(t, flow.Propose(annie))
	require.NoError(t, flow.Cancel(context.Background()))
	assert.Equal(t, StateNone, flow.State())
	assert.Nil(t, flow.Snapshot().Intent)

	entries := log.all()
	require.Len(t, entries, 1)
	assert.Equal(t, MsgCancelled, entries[0].Text)
	sub.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)

	assert.ErrorIs(t, flow.Cancel(context.Background()), ErrInvalidTransition)
	_, err := flow.Confirm(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestConfirmFailureFromTransport(t *testing.T) {
	sub := &mockSubmitterT{}
	sub.On("Submit", mock.Anything, annieRequest).
		Return(protocol.SubmissionResponse{}, errors.New("connection reset")).Once()
	log := &entryLog{}
	flow := NewFlow(sub, log, newLogger())
	require.NoError(t, flow.Propose(annie))

	outcome, err := flow.Confirm(context.Background())
	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, "connection reset", subErr.Message)
	assert.False(t, outcome.Success)
	assert.Equal(t, StateResolvedFailure, flow.State())

	entries := log.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "Transaction failed: connection reset", entries[0].Text)
	assert.True(t, entries[0].IsError)
}

func TestConfirmRejectedDefaultsMessage(t *testing.T) {
	sub := &mockSubmitterT{}
	sub.On("Submit", mock.Anything, annieRequest).Return(protocol.SubmissionResponse{Success: false}, nil).Once()
	log := &entryLog{}
	flow := NewFlow(sub, log, newLogger())
	require.NoError(t, flow.Propose(annie))

	_, err := flow.Confirm(context.Background())
	require.Error(t, err)
	assert.Equal(t, "Transaction failed: "+MsgDefaultFailed, log.all()[0].Text)
	assert.Equal(t, MsgDefaultFailed, flow.Snapshot().Outcome.Error)
}

func TestConfirmSuccessDefaultsMessage(t *testing.T) {
	sub := &mockSubmitterT{}
	sub.On("Submit", mock.Anything, annieRequest).Return(protocol.SubmissionResponse{Success: true, TxHash: "0xabc"}, nil).Once()
	log := &entryLog{}
	flow := NewFlow(sub, log, newLogger())
	require.NoError(t, flow.Propose(annie))

	outcome, err := flow.Confirm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MsgSubmitted, outcome.Message)
	entries := log.all()
	require.Len(t, entries, 1)
	assert.Equal(t, MsgSubmitted, entries[0].Text)
	assert.True(t, entries[0].IsSuccess)
}

func TestConfirmIsIdempotentWhileSubmitting(t *testing.T) {
	release := make(chan time.Time)
	sub := &mockSubmitterT{}
	sub.On("Submit", mock.Anything, annieRequest).
		WaitUntil(release).
		Return(protocol.SubmissionResponse{Success: true, Message: "ok", TxHash: "0x1"}, nil).Once()
	flow := NewFlow(sub, &entryLog{}, newLogger())
	require.NoError(t, flow.Propose(annie))

	done := make(chan error, 1)
	go func() {
		_, err := flow.Confirm(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return flow.State() == StateSubmitting }, time.Second, time.Millisecond)
	assert.False(t, flow.ControlsEnabled())

	_, err := flow.Confirm(context.Background())
	assert.ErrorIs(t, err, ErrSubmissionInFlight)
	assert.ErrorIs(t, flow.Cancel(context.Background()), ErrInvalidTransition)

	close(release)
	require.NoError(t, <-done)
	sub.AssertNumberOfCalls(t, "Submit", 1)
}

func TestConfirmSurvivesCallerCancellation(t *testing.T) {
	sub := &mockSubmitterT{}
	sub.On("Submit", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }), annieRequest).
		Return(protocol.SubmissionResponse{Success: true, Message: "ok"}, nil).Once()
	flow := NewFlow(sub, &entryLog{}, newLogger(), WithTimeout(time.Second))
	require.NoError(t, flow.Propose(annie))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := flow.Confirm(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateResolvedSuccess, flow.State())
}

func TestResolvedIsTerminalUntilClose(t *testing.T) {
	sub := &mockSubmitterT{}
	sub.On("Submit", mock.Anything, annieRequest).Return(protocol.SubmissionResponse{Success: true, Message: "ok"}, nil).Once()
	flow := NewFlow(sub, &entryLog{}, newLogger())
	require.NoError(t, flow.Propose(annie))
	_, err := flow.Confirm(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, flow.Propose(annie), ErrTransferPending)
	assert.ErrorIs(t, flow.Cancel(context.Background()), ErrInvalidTransition)
	_, err = flow.Confirm(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateResolvedSuccess, flow.State())

	require.NoError(t, flow.Close())
	assert.Equal(t, StateNone, flow.State())
	assert.Nil(t, flow.Snapshot().Outcome)
	assert.ErrorIs(t, flow.Close(), ErrInvalidTransition)
	sub.AssertNumberOfCalls(t, "Submit", 1)
}

func TestSecondProposalRejected(t *testing.T) {
	var states []State
	flow := NewFlow(&mockSubmitterT{}, &entryLog{}, newLogger(), WithObserver(func(s Snapshot) {
		states = append(states, s.State)
	}))
	require.NoError(t, flow.Propose(annie))
	other := annie
	other.Recipient = "bob.eth"
	assert.ErrorIs(t, flow.Propose(other), ErrTransferPending)
	assert.Equal(t, "annie.base.eth", flow.Snapshot().Intent.Recipient)
	assert.Equal(t, []State{StatePending}, states)
}

func TestExplorerURL(t *testing.T) {
	assert.Empty(t, Outcome{Success: false, TxHash: "0x1"}.ExplorerURL("https://x/tx/"))
	assert.Empty(t, Outcome{Success: true}.ExplorerURL("https://x/tx/"))
	assert.Equal(t, "https://x/tx/0x1", Outcome{Success: true, TxHash: "0x1"}.ExplorerURL("https://x/tx"))
}
