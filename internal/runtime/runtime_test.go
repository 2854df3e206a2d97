package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-wallet/internal/assistant"
	"github.com/loqalabs/loqa-wallet/internal/config"
	"github.com/loqalabs/loqa-wallet/internal/protocol"
	"github.com/loqalabs/loqa-wallet/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Bus = config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	cfg.EventStore = config.EventStoreConfig{RetentionMode: "ephemeral"}
	cfg.Capture.Mode = "mock"
	cfg.Dispatch.Mode = "pattern"
	cfg.Transfer.Mode = "mock"
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) (*Runtime, *httptest.Server) {
	t.Helper()
	rt := New(cfg, newLogger())
	require.NoError(t, rt.setup(context.Background()))
	rt.ready.Store(true)
	srv := httptest.NewServer(rt.handler())
	t.Cleanup(func() {
		srv.Close()
		rt.teardown()
	})
	return rt, srv
}

func post(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthAndReady(t *testing.T) {
	_, srv := startRuntime(t, testConfig(t))

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestVoiceTransferOverHTTP(t *testing.T) {
	_, srv := startRuntime(t, testConfig(t))

	resp := post(t, srv.URL+"/v1/capture/start")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		var snap assistant.Snapshot
		getJSON(t, srv.URL+"/v1/session", &snap)
		return snap.Transfer.State == transfer.StatePending
	}, 3*time.Second, 10*time.Millisecond)

	resp = post(t, srv.URL+"/v1/transfer/confirm")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var confirmed confirmResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&confirmed))
	assert.True(t, confirmed.Outcome.Success)
	assert.True(t, strings.HasPrefix(confirmed.ExplorerURL, "https://sepolia.basescan.org/tx/0x"))

	assert.Equal(t, http.StatusConflict, post(t, srv.URL+"/v1/transfer/cancel").StatusCode)
	assert.Equal(t, http.StatusOK, post(t, srv.URL+"/v1/transfer/close").StatusCode)

	var conv struct {
		Entries []protocol.ConversationEntry `json:"entries"`
	}
	getJSON(t, srv.URL+"/v1/conversation", &conv)
	require.Len(t, conv.Entries, 4)
	assert.Equal(t, "Send 0.005 ETH to annie.base.eth", conv.Entries[1].Text)
	assert.True(t, conv.Entries[2].IsSuccess)
}

func TestConfirmWithoutWallet(t *testing.T) {
	cfg := testConfig(t)
	cfg.Wallet.RequireConnected = true
	_, srv := startRuntime(t, cfg)

	assert.Equal(t, http.StatusOK, post(t, srv.URL+"/v1/capture/start").StatusCode)
	require.Eventually(t, func() bool {
		var snap assistant.Snapshot
		getJSON(t, srv.URL+"/v1/session", &snap)
		return snap.Transfer.State == transfer.StatePending
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, http.StatusConflict, post(t, srv.URL+"/v1/transfer/confirm").StatusCode)
}

func TestNothingToConfirm(t *testing.T) {
	_, srv := startRuntime(t, testConfig(t))
	assert.Equal(t, http.StatusConflict, post(t, srv.URL+"/v1/transfer/confirm").StatusCode)
	assert.Equal(t, http.StatusConflict, post(t, srv.URL+"/v1/transfer/close").StatusCode)
}

func TestEventStream(t *testing.T) {
	_, srv := startRuntime(t, testConfig(t))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var first protocol.SessionEvent
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "session.snapshot", first.Type)

	assert.Equal(t, http.StatusOK, post(t, srv.URL+"/v1/capture/start").StatusCode)

	seen := map[string]bool{}
	for !seen["transfer.state"] {
		var evt protocol.SessionEvent
		require.NoError(t, conn.ReadJSON(&evt))
		assert.Equal(t, first.SessionID, evt.SessionID)
		seen[evt.Type] = true
	}
	assert.True(t, seen["capture.started"])
	assert.True(t, seen["conversation.entry"])
}

func TestWriteJSONUnencodableValue(t *testing.T) {
	rt := New(config.Default(), newLogger())
	rec := httptest.NewRecorder()
	rt.writeJSON(rec, http.StatusOK, map[string]float64{"amount": math.NaN()})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"failed to encode response"}`, rec.Body.String())
}
