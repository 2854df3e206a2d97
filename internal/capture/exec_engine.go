package capture

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-shellwords"
)

// execEngine runs an external recognizer that streams one JSON object per
// line on stdout:
//
//	{"text":"send 0.005","confidence":0,"final":false}
//	{"text":"send 0.005 ETH to annie.base.eth","confidence":0.93,"final":true}
//	{"error":"no-speech"}
//
// Stop sends an interrupt so the recognizer can flush its last result before
// exiting. Abort kills it.
type execEngine struct {
	cmd       []string
	supported bool
	grace     time.Duration

	mu  sync.Mutex
	run *execRun
}

type execRun struct {
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	stopping atomic.Bool
}

const execStopGrace = 3 * time.Second

type execLine struct {
	Text         string        `json:"text"`
	Confidence   float64       `json:"confidence"`
	Final        bool          `json:"final"`
	Error        string        `json:"error,omitempty"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
}

func NewExecEngine(command string) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	_, lookErr := exec.LookPath(args[0])
	return &execEngine{cmd: args, supported: lookErr == nil, grace: execStopGrace}, nil
}

func (e *execEngine) Supported() bool { return e.supported }

func (e *execEngine) Start(ctx context.Context, opts Options, sink Sink) error {
	runCtx, cancel := context.WithCancel(ctx)

	args := append([]string{}, e.cmd[1:]...)
	if opts.Language != "" {
		args = append(args, "--language", opts.Language)
	}
	if opts.MaxAlternatives > 0 {
		args = append(args, "--max-alternatives", strconv.Itoa(opts.MaxAlternatives))
	}
	if opts.InterimResults {
		args = append(args, "--interim")
	}
	if opts.Continuous {
		args = append(args, "--continuous")
	}

	command := exec.CommandContext(runCtx, e.cmd[0], args...)
	stdout, err := command.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("capture stdout: %w", err)
	}
	if err := command.Start(); err != nil {
		cancel()
		return fmt.Errorf("capture command failed to start: %w", err)
	}

	run := &execRun{cmd: command, cancel: cancel}
	e.mu.Lock()
	if e.run != nil {
		e.run.cancel()
	}
	e.run = run
	e.mu.Unlock()

	go func() {
		defer cancel()
		sink.OnStart()
		defer sink.OnEnd()

		var results []Result
		done := false
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var msg execLine
			if err := json.Unmarshal(line, &msg); err != nil {
				continue
			}
			if msg.Error != "" {
				sink.OnError(ErrorKind(msg.Error))
				done = true
				break
			}
			alts := msg.Alternatives
			if len(alts) == 0 {
				alts = []Alternative{{Transcript: msg.Text, Confidence: msg.Confidence}}
			}
			if opts.MaxAlternatives > 0 && len(alts) > opts.MaxAlternatives {
				alts = alts[:opts.MaxAlternatives]
			}
			// An interim segment replaces the trailing interim slot.
			if n := len(results); n > 0 && !results[n-1].Final {
				results = results[:n-1]
			}
			if !msg.Final && !opts.InterimResults {
				continue
			}
			results = append(results, Result{Alternatives: alts, Final: msg.Final})
			sink.OnResult(ResultEvent{Results: append([]Result(nil), results...)})
			if msg.Final && !opts.Continuous {
				done = true
				break
			}
		}
		halted := runCtx.Err() != nil || run.stopping.Load()
		cancel()
		err := command.Wait()
		if done || halted {
			return
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			sink.OnError(KindOther)
		}
	}()
	return nil
}

func (e *execEngine) Stop() error {
	run := e.detach()
	if run == nil {
		return nil
	}
	run.stopping.Store(true)
	if err := run.cmd.Process.Signal(os.Interrupt); err != nil {
		run.cancel()
		return nil
	}
	time.AfterFunc(e.grace, run.cancel)
	return nil
}

func (e *execEngine) Abort() error {
	if run := e.detach(); run != nil {
		run.cancel()
	}
	return nil
}

func (e *execEngine) detach() *execRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	run := e.run
	e.run = nil
	return run
}
