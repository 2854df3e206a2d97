package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/loqalabs/loqa-wallet/internal/config"
	"github.com/loqalabs/loqa-wallet/internal/dispatch"
	"github.com/loqalabs/loqa-wallet/internal/protocol"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'classify' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		var configPath string
		validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
		validateCmd.StringVar(&configPath, "file", "loqa-wallet.yaml", "Path to configuration file")
		validateCmd.Parse(os.Args[2:])
		if _, err := config.Load(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "classify":
		var (
			text       string
			confidence float64
		)
		classifyCmd := flag.NewFlagSet("classify", flag.ExitOnError)
		classifyCmd.StringVar(&text, "text", "", "Utterance to classify")
		classifyCmd.Float64Var(&confidence, "confidence", 1, "Recognizer confidence")
		classifyCmd.Parse(os.Args[2:])
		if err := runClassify(text, confidence); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

// runClassify dry-runs the local pattern classifier and prints the outcome.
func runClassify(text string, confidence float64) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("-text is required")
	}
	req := protocol.VoiceCommandRequest{Text: text, Confidence: confidence, IsVoiceInput: true}
	resp, err := dispatch.NewPatternClassifier().Classify(context.Background(), req)
	outcome := dispatch.Interpret(text, resp, err)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"normalized": dispatch.NormalizeSpoken(text),
		"response":   resp,
		"reply":      outcome.Reply,
		"intent":     outcome.Intent,
	})
}
