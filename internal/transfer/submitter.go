package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-wallet/internal/config"
	"github.com/loqalabs/loqa-wallet/internal/protocol"
)

// NewSubmitter builds the backend selected by cfg.Mode.
func NewSubmitter(cfg config.TransferConfig) (Submitter, error) {
	switch cfg.Mode {
	case "", "http":
		return NewHTTPSubmitter(cfg.Endpoint, nil), nil
	case "mock":
		return NewMockSubmitter(), nil
	default:
		return nil, fmt.Errorf("unsupported transfer mode %q", cfg.Mode)
	}
}

type httpSubmitter struct {
	endpoint string
	client   *http.Client
}

func NewHTTPSubmitter(endpoint string, client *http.Client) Submitter {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpSubmitter{endpoint: endpoint, client: client}
}

// Submit posts the transfer. A non-2xx status is a failure even when the body
// claims success; the body message is kept for display either way.
func (s *httpSubmitter) Submit(ctx context.Context, req protocol.SubmissionRequest) (protocol.SubmissionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return protocol.SubmissionResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return protocol.SubmissionResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return protocol.SubmissionResponse{}, fmt.Errorf("submit transfer: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return protocol.SubmissionResponse{}, fmt.Errorf("read submission response: %w", err)
	}
	var out protocol.SubmissionResponse
	decodeErr := json.Unmarshal(data, &out)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		out.Success = false
		if out.Message == "" {
			out.Message = fmt.Sprintf("%s (HTTP %d)", MsgDefaultFailed, resp.StatusCode)
		}
		return out, nil
	}
	if decodeErr != nil {
		return protocol.SubmissionResponse{}, fmt.Errorf("decode submission response: %w", decodeErr)
	}
	return out, nil
}

type mockSubmitter struct{}

// NewMockSubmitter accepts every transfer and returns a fake transaction hash.
func NewMockSubmitter() Submitter {
	return mockSubmitter{}
}

func (mockSubmitter) Submit(ctx context.Context, req protocol.SubmissionRequest) (protocol.SubmissionResponse, error) {
	if err := ctx.Err(); err != nil {
		return protocol.SubmissionResponse{}, err
	}
	if req.Amount <= 0 {
		return protocol.SubmissionResponse{Success: false, Message: "Invalid amount specified."}, nil
	}
	id := uuid.New()
	hash := "0x" + strings.ReplaceAll(id.String(), "-", "") + strings.Repeat("0", 32)
	return protocol.SubmissionResponse{
		Success: true,
		Message: fmt.Sprintf("Successfully sent %s %s to %s",
			strconv.FormatFloat(req.Amount, 'f', -1, 64), req.Token, req.Recipient),
		TxHash: hash,
	}, nil
}
