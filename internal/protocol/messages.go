package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Transcript represents STT output broadcast on the bus by an edge recognizer.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// VoiceCommandRequest is sent to the classification endpoint once per dispatched utterance.
type VoiceCommandRequest struct {
	Text         string  `json:"text"`
	Confidence   float64 `json:"confidence"`
	IsVoiceInput bool    `json:"isVoiceInput"`
}

// Amount decodes from either a JSON number or a numeric string.
type Amount float64

func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = strings.TrimSpace(unquoted)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("invalid amount %s", string(data))
	}
	*a = Amount(v)
	return nil
}

// TransferPayload carries the fields the classifier extracted from an utterance.
type TransferPayload struct {
	Amount    Amount `json:"amount"`
	Token     string `json:"token"`
	Recipient string `json:"recipient"`
}

// ClassifierResponse is the classification endpoint reply. A successful reply
// without Transfer is a conversational answer.
type ClassifierResponse struct {
	Success  bool             `json:"success"`
	Message  string           `json:"message,omitempty"`
	Transfer *TransferPayload `json:"transfer,omitempty"`
}

// TransferIntent is a classifier-confirmed transfer awaiting human confirmation.
type TransferIntent struct {
	Amount       float64 `json:"amount"`
	Token        string  `json:"token"`
	Recipient    string  `json:"recipient"`
	VoiceCommand string  `json:"voiceCommand"`
}

// SubmissionRequest omits the voice command provenance on purpose.
type SubmissionRequest struct {
	Amount    float64 `json:"amount"`
	Token     string  `json:"token"`
	Recipient string  `json:"recipient"`
}

type SubmissionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	TxHash  string `json:"txHash,omitempty"`
}

type EntryType string

const (
	EntryUser      EntryType = "user"
	EntryAssistant EntryType = "assistant"
	EntrySystem    EntryType = "system"
)

// ConversationEntry is appended to the conversation log in chronological order.
type ConversationEntry struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Type      EntryType `json:"type"`
	IsVoice   bool      `json:"isVoice,omitempty"`
	IsSuccess bool      `json:"isSuccess,omitempty"`
	IsError   bool      `json:"isError,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionEvent is the envelope published for UI fan-out.
type SessionEvent struct {
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewSessionEvent wraps data as a session event envelope.
func NewSessionEvent(sessionID, eventType string, ts time.Time, data any) (SessionEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return SessionEvent{}, fmt.Errorf("encode %s event: %w", eventType, err)
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return SessionEvent{SessionID: sessionID, Type: eventType, Timestamp: ts, Data: raw}, nil
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"

	SubjectSessionPrefix     = "wallet.session"
	SubjectCaptureEvent      = SubjectSessionPrefix + ".capture"
	SubjectConversationEntry = SubjectSessionPrefix + ".conversation"
	SubjectTransferState     = SubjectSessionPrefix + ".transfer"
	SubjectSessionAll        = SubjectSessionPrefix + ".>"
)
