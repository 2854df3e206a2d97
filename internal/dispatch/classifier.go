package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-wallet/internal/config"
	"github.com/loqalabs/loqa-wallet/internal/protocol"
	"github.com/mattn/go-shellwords"
)

// NewClassifier builds the backend selected by cfg.Mode.
func NewClassifier(cfg config.DispatchConfig) (Classifier, error) {
	switch cfg.Mode {
	case "", "http":
		return NewHTTPClassifier(cfg.Endpoint, nil), nil
	case "exec":
		return NewExecClassifier(cfg.Command)
	case "pattern":
		return NewPatternClassifier(), nil
	default:
		return nil, fmt.Errorf("unsupported dispatch mode %q", cfg.Mode)
	}
}

type httpClassifier struct {
	endpoint string
	client   *http.Client
}

// NewHTTPClassifier posts voice commands to a classification endpoint. The
// body is decoded regardless of status code since the service reports
// rejections in the payload.
func NewHTTPClassifier(endpoint string, client *http.Client) Classifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpClassifier{endpoint: endpoint, client: client}
}

func (c *httpClassifier) Classify(ctx context.Context, req protocol.VoiceCommandRequest) (protocol.ClassifierResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return protocol.ClassifierResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return protocol.ClassifierResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return protocol.ClassifierResponse{}, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return protocol.ClassifierResponse{}, fmt.Errorf("read classifier response: %w", err)
	}
	var out protocol.ClassifierResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return protocol.ClassifierResponse{}, fmt.Errorf("decode classifier response (status %d): %w", resp.StatusCode, err)
	}
	return out, nil
}

type execClassifier struct {
	cmd []string
	mu  sync.Mutex
}

// NewExecClassifier runs a local command per utterance, writing the request as
// JSON on stdin and reading a ClassifierResponse from stdout.
func NewExecClassifier(command string) (Classifier, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse dispatch command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("dispatch command empty")
	}
	return &execClassifier{cmd: args}, nil
}

func (c *execClassifier) Classify(ctx context.Context, req protocol.VoiceCommandRequest) (protocol.ClassifierResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	input, err := json.Marshal(req)
	if err != nil {
		return protocol.ClassifierResponse{}, err
	}
	cmd := exec.CommandContext(ctx, c.cmd[0], c.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return protocol.ClassifierResponse{}, fmt.Errorf("dispatch exec command failed: %w", err)
	}
	var out protocol.ClassifierResponse
	if err := json.Unmarshal(output, &out); err != nil {
		return protocol.ClassifierResponse{}, fmt.Errorf("decode dispatch exec response: %w", err)
	}
	return out, nil
}
