package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-wallet/internal/assistant"
	"github.com/loqalabs/loqa-wallet/internal/capture"
	"github.com/loqalabs/loqa-wallet/internal/transfer"
)

func (r *Runtime) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if r.metricsHandler != nil {
		mux.Handle("GET /metrics", r.metricsHandler)
	}

	mux.HandleFunc("GET /v1/session", r.handleSession)
	mux.HandleFunc("GET /v1/conversation", r.handleConversation)
	mux.HandleFunc("POST /v1/capture/start", r.handleCaptureStart)
	mux.HandleFunc("POST /v1/capture/stop", r.handleCaptureStop)
	mux.HandleFunc("POST /v1/capture/reset", r.handleCaptureReset)
	mux.HandleFunc("POST /v1/transfer/confirm", r.handleConfirm)
	mux.HandleFunc("POST /v1/transfer/cancel", r.handleCancel)
	mux.HandleFunc("POST /v1/transfer/close", r.handleClose)
	mux.HandleFunc("GET /v1/events", r.handleEvents)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.assistant != nil && r.assistant.Healthy() && (!r.cfg.Bus.Enabled || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleSession(w http.ResponseWriter, _ *http.Request) {
	r.writeJSON(w, http.StatusOK, r.assistant.Snapshot())
}

func (r *Runtime) handleConversation(w http.ResponseWriter, _ *http.Request) {
	r.writeJSON(w, http.StatusOK, map[string]any{"entries": r.assistant.Entries()})
}

func (r *Runtime) handleCaptureStart(w http.ResponseWriter, _ *http.Request) {
	if err := r.assistant.StartCapture(); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, capture.ErrUnsupported):
			status = http.StatusConflict
		case errors.Is(err, capture.ErrClosed):
			status = http.StatusServiceUnavailable
		}
		r.writeError(w, status, err)
		return
	}
	r.writeJSON(w, http.StatusOK, r.assistant.Snapshot())
}

func (r *Runtime) handleCaptureStop(w http.ResponseWriter, _ *http.Request) {
	if err := r.assistant.StopCapture(); err != nil {
		r.writeError(w, http.StatusInternalServerError, err)
		return
	}
	r.writeJSON(w, http.StatusOK, r.assistant.Snapshot())
}

func (r *Runtime) handleCaptureReset(w http.ResponseWriter, _ *http.Request) {
	r.assistant.ResetCapture()
	r.writeJSON(w, http.StatusOK, r.assistant.Snapshot())
}

type confirmResponse struct {
	Outcome     transfer.Outcome `json:"outcome"`
	ExplorerURL string           `json:"explorerUrl,omitempty"`
	Error       string           `json:"error,omitempty"`
}

func (r *Runtime) handleConfirm(w http.ResponseWriter, req *http.Request) {
	outcome, err := r.assistant.Confirm(req.Context())
	var subErr *transfer.SubmissionError
	switch {
	case err == nil:
		r.writeJSON(w, http.StatusOK, confirmResponse{
			Outcome:     outcome,
			ExplorerURL: outcome.ExplorerURL(r.cfg.Transfer.ExplorerURL),
		})
	case errors.As(err, &subErr):
		r.writeJSON(w, http.StatusBadGateway, confirmResponse{Outcome: outcome, Error: subErr.Message})
	case errors.Is(err, assistant.ErrWalletNotConnected),
		errors.Is(err, transfer.ErrSubmissionInFlight),
		errors.Is(err, transfer.ErrInvalidTransition):
		r.writeError(w, http.StatusConflict, err)
	default:
		r.writeError(w, http.StatusInternalServerError, err)
	}
}

func (r *Runtime) handleCancel(w http.ResponseWriter, req *http.Request) {
	r.transition(w, r.assistant.Cancel(req.Context()))
}

func (r *Runtime) handleClose(w http.ResponseWriter, _ *http.Request) {
	r.transition(w, r.assistant.CloseTransfer())
}

func (r *Runtime) transition(w http.ResponseWriter, err error) {
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, transfer.ErrInvalidTransition) {
			status = http.StatusConflict
		}
		r.writeError(w, status, err)
		return
	}
	r.writeJSON(w, http.StatusOK, r.assistant.Snapshot().Transfer)
}

// writeJSON encodes before writing the status. An unencodable value is
// reported as a 500.
func (r *Runtime) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Warn("failed to encode response", slog.String("error", err.Error()))
		status = http.StatusInternalServerError
		data = []byte(`{"error":"failed to encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}

func (r *Runtime) writeError(w http.ResponseWriter, status int, err error) {
	r.writeJSON(w, status, map[string]string{"error": err.Error()})
}
