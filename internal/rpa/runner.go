// Package rpa runs external worker processes that perform browser and email
// automation, speaking a JSON-over-pipes protocol: one JSON request on stdin,
// newline-delimited JSON progress events on stderr, and a single terminal
// JSON document on stdout.
package rpa

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/jonathan/job-autopilot/internal/types"
)

// maxProgressLineBytes bounds a single stderr line; worker scripts emit small
// JSON objects, anything larger is noise.
const maxProgressLineBytes = 1 << 20

// maxNoiseLines is how many non-progress stderr lines are retained for error
// reporting.
const maxNoiseLines = 50

// Step is one recorded action from a worker run.
type Step struct {
	Action  string `json:"action"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Result is the terminal JSON document a worker process writes to stdout.
type Result struct {
	Success     bool     `json:"success"`
	Error       *string  `json:"error"`
	Screenshots []string `json:"screenshots"`
	Steps       []Step   `json:"steps"`
}

// ProgressCallback receives progress events as the worker emits them.
type ProgressCallback func(event types.ProgressEvent)

// Runner abstracts worker process execution so the orchestrator can be tested
// without spawning real processes.
type Runner interface {
	Run(ctx context.Context, script string, input any, settings types.AutomationSettings, onProgress ProgressCallback) (*Result, error)
}

// ProcessRunner executes worker scripts as child processes.
type ProcessRunner struct {
	// ScriptDir is the directory containing worker scripts; it is also the
	// working directory of spawned processes.
	ScriptDir string
	// Interpreter overrides the command used to run scripts. Defaults to
	// python3 (python on Windows).
	Interpreter string
}

// NewProcessRunner creates a runner for scripts in scriptDir.
func NewProcessRunner(scriptDir string) *ProcessRunner {
	return &ProcessRunner{ScriptDir: scriptDir}
}

func (r *ProcessRunner) interpreter() string {
	if r.Interpreter != "" {
		return r.Interpreter
	}
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}

// Run spawns the worker, feeds it the JSON request, and concurrently consumes
// both output streams. Progress events are delivered to onProgress in
// emission order, as they arrive. The terminal result is strict: a non-zero
// exit, a timeout, or a malformed terminal document all fail the invocation.
func (r *ProcessRunner) Run(ctx context.Context, script string, input any, settings types.AutomationSettings, onProgress ProgressCallback) (*Result, error) {
	payload, err := buildRequest(input, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to encode worker request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, settings.Timeout())
	defer cancel()

	scriptPath := filepath.Join(r.ScriptDir, script)
	cmd := exec.CommandContext(ctx, r.interpreter(), scriptPath)
	cmd.Dir = r.ScriptDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %s: %w", script, err)
	}

	var out []byte
	var noise []string

	g := new(errgroup.Group)
	g.Go(func() error {
		defer stdin.Close()
		if _, err := stdin.Write(payload); err != nil {
			return fmt.Errorf("failed to write worker request: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		out, err = io.ReadAll(stdout)
		if err != nil {
			return fmt.Errorf("failed to read worker stdout: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		noise = scanProgress(stderr, script, onProgress)
		return nil
	})

	streamErr := g.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("worker %s timed out after %s", script, settings.Timeout())
	}
	if waitErr != nil {
		detail := strings.Join(noise, "\n")
		if detail == "" {
			detail = strings.TrimSpace(string(out))
		}
		return nil, fmt.Errorf("worker %s failed (%v): %s", script, waitErr, detail)
	}
	if streamErr != nil {
		return nil, streamErr
	}

	result, err := parseResult(out)
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", script, err)
	}
	return result, nil
}

// buildRequest merges the input payload with the automation settings under a
// "settings" key, matching the request shape worker scripts expect.
func buildRequest(input any, settings types.AutomationSettings) ([]byte, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	request := map[string]any{}
	if err := json.Unmarshal(raw, &request); err != nil {
		return nil, err
	}
	request["settings"] = settings
	return json.Marshal(request)
}

// scanProgress reads stderr line by line, forwarding well-formed progress
// events and collecting everything else for error reporting. Malformed lines
// are never fatal: the protocol is best-effort for progress.
func scanProgress(stderr io.Reader, script string, onProgress ProgressCallback) []string {
	var noise []string
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxProgressLineBytes)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var event types.ProgressEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil || event.Type != "progress" {
			if len(noise) < maxNoiseLines {
				noise = append(noise, line)
			}
			continue
		}
		if onProgress != nil {
			onProgress(event)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("[rpa] %s: stderr scan stopped: %v", script, err)
	}
	return noise
}

// parseResult extracts the terminal JSON document from stdout. Workers may
// print stray diagnostics, so the last line that holds a schema-valid JSON
// object wins.
func parseResult(out []byte) (*Result, error) {
	output := bytes.TrimSpace(out)
	if len(output) == 0 {
		return nil, fmt.Errorf("worker did not return a JSON result")
	}

	lines := strings.Split(string(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
			continue
		}
		if result, err := decodeResult([]byte(line)); err == nil {
			return result, nil
		}
	}

	// Fall back to the whole output for pretty-printed results.
	result, err := decodeResult(output)
	if err != nil {
		return nil, fmt.Errorf("worker returned unexpected output shape: %w", err)
	}
	return result, nil
}

func decodeResult(doc []byte) (*Result, error) {
	if err := validateResultDocument(doc); err != nil {
		return nil, err
	}
	var result Result
	if err := json.Unmarshal(doc, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
