package dispatch

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-wallet/internal/protocol"
)

const (
	MsgHelp          = "I can send crypto for you. Try saying \"Send 0.005 ETH to annie.base.eth\"."
	MsgInvalidAmount = "Invalid amount specified."
)

var (
	spokenReplacer = strings.NewReplacer(
		" dot base dot eth", ".base.eth",
		" point base point eth", ".base.eth",
		" dot eth", ".eth",
		" point eth", ".eth",
		"zero point ", "0.",
	)
	wordFixes = map[string]string{
		"etherium": "ethereum",
		"ether":    "eth",
		"bitcoins": "bitcoin",
		"sent":     "send",
		"transfer": "send",
		"give":     "send",
		"one":      "1",
		"two":      "2",
		"three":    "3",
		"four":     "4",
		"five":     "5",
		"six":      "6",
		"seven":    "7",
		"eight":    "8",
		"nine":     "9",
		"ten":      "10",
	}

	amountExpr    = `([0-9]*\.?[0-9]+)`
	tokenExpr     = `(eth|ethereum|btc|bitcoin|usdc|usdt)?`
	recipientExpr = `([a-z0-9.-]+\.(?:base\.eth|eth|bnb|polygon|arb|op))\b`

	sendPattern = regexp.MustCompile(`send\s+` + amountExpr + `\s*` + tokenExpr + `\s+to\s+` + recipientExpr)
	payPattern  = regexp.MustCompile(`pay\s+` + recipientExpr + `\s+` + amountExpr + `\s*` + tokenExpr)
)

type patternClassifier struct{}

// NewPatternClassifier recognises transfer phrasings locally without a
// backend. Anything that is not a transfer gets a help reply.
func NewPatternClassifier() Classifier {
	return patternClassifier{}
}

func (patternClassifier) Classify(ctx context.Context, req protocol.VoiceCommandRequest) (protocol.ClassifierResponse, error) {
	if err := ctx.Err(); err != nil {
		return protocol.ClassifierResponse{}, err
	}
	payload, ok := ExtractTransfer(req.Text)
	if !ok {
		return protocol.ClassifierResponse{Success: true, Message: MsgHelp}, nil
	}
	if payload.Amount <= 0 {
		return protocol.ClassifierResponse{Success: false, Message: MsgInvalidAmount}, nil
	}
	return protocol.ClassifierResponse{
		Success: true,
		Message: fmt.Sprintf("Transfer of %s %s to %s detected",
			strconv.FormatFloat(float64(payload.Amount), 'f', -1, 64), payload.Token, payload.Recipient),
		Transfer: &payload,
	}, nil
}

// NormalizeSpoken lower-cases a transcript and folds common recognizer
// spellings of verbs, numbers and ENS suffixes into their written form.
func NormalizeSpoken(text string) string {
	words := strings.Fields(strings.ToLower(text))
	for i, w := range words {
		if fixed, ok := wordFixes[w]; ok {
			words[i] = fixed
		}
	}
	out := " " + strings.Join(words, " ")
	out = strings.ReplaceAll(out, " bit coin", " bitcoin")
	out = spokenReplacer.Replace(out)
	return strings.TrimSpace(out)
}

// ExtractTransfer finds a transfer command in text. The token defaults to ETH.
func ExtractTransfer(text string) (protocol.TransferPayload, bool) {
	normalized := NormalizeSpoken(text)

	var amount, token, recipient string
	if m := sendPattern.FindStringSubmatch(normalized); m != nil {
		amount, token, recipient = m[1], m[2], m[3]
	} else if m := payPattern.FindStringSubmatch(normalized); m != nil {
		recipient, amount, token = m[1], m[2], m[3]
	} else {
		return protocol.TransferPayload{}, false
	}

	value, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return protocol.TransferPayload{}, false
	}
	return protocol.TransferPayload{
		Amount:    protocol.Amount(value),
		Token:     canonicalToken(token),
		Recipient: recipient,
	}, true
}

func canonicalToken(token string) string {
	switch token {
	case "":
		return "ETH"
	case "ethereum":
		return "ETH"
	case "bitcoin":
		return "BTC"
	default:
		return strings.ToUpper(token)
	}
}
