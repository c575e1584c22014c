// Package executor runs the Architect CLI as a subprocess, streaming its
// JSON event output into bounded buffers and surfacing progress events
// while a request executes.
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/jxucoder/archbridge/internal/streambuf"
)

const (
	streamBufferMaxChars  = 2 * 1024 * 1024
	streamBufferHeadChars = 32 * 1024
	streamTruncationMark  = "\n...[executor stream truncated]...\n"

	// maxEventLineBytes bounds how much of one line is retained for
	// progress-event parsing. Agent messages can carry whole files, so
	// longer lines still reach the stream buffer chunk by chunk; they are
	// only skipped as progress events.
	maxEventLineBytes = 1024 * 1024

	// pipeWaitDelay bounds how long Wait blocks on pipes held open by
	// orphaned children after the executor itself exits or is killed.
	pipeWaitDelay = 5 * time.Second
)

// ErrTimeout reports that the executor exceeded its wall-clock budget and
// was killed. The Result still carries whatever output was captured.
var ErrTimeout = errors.New("executor timed out")

// Config describes how to invoke the Architect CLI.
type Config struct {
	// Cmd is the base command line; "resume <thread>" or "new" is
	// appended per request.
	Cmd []string
	// Timeout is the wall-clock budget for one request.
	Timeout time.Duration
}

// Request is one prompt to execute.
type Request struct {
	Prompt string
	// ThreadID resumes a prior conversation when non-empty.
	ThreadID string
	// ImagePath attaches an image to the prompt when non-empty.
	ImagePath string
	// OnProgress, when set, receives events decoded from the stdout
	// stream as they arrive. It is called from the drain goroutine.
	OnProgress func(ProgressEvent)
}

// Result is the captured outcome of one executor run. ExitCode is -1 when
// the process was killed before exiting on its own.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Run executes one request and blocks until the subprocess exits or the
// timeout fires. The prompt is delivered on stdin with a trailing newline.
// On timeout the process is killed and ErrTimeout is returned alongside
// the partial Result.
func Run(ctx context.Context, cfg Config, req Request) (Result, error) {
	if len(cfg.Cmd) == 0 {
		return Result{}, errors.New("executor command not configured")
	}

	args := append([]string{}, cfg.Cmd[1:]...)
	if req.ThreadID != "" {
		args = append(args, "resume", req.ThreadID)
	} else {
		args = append(args, "new")
	}
	if req.ImagePath != "" {
		args = append(args, "--image", req.ImagePath)
	}

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
	}
	defer cancel()

	prompt := req.Prompt
	if !strings.HasSuffix(prompt, "\n") {
		prompt += "\n"
	}

	cmd := exec.CommandContext(runCtx, cfg.Cmd[0], args...)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.WaitDelay = pipeWaitDelay

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	stdoutBuffer := streambuf.New(streamBufferMaxChars, streamBufferHeadChars, streamTruncationMark)
	stderrBuffer := streambuf.New(streamBufferMaxChars, streamBufferHeadChars, streamTruncationMark)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		drainStdout(stdoutR, stdoutBuffer, req.OnProgress)
	}()
	go func() {
		defer wg.Done()
		drainLines(stderrR, stderrBuffer)
	}()

	log.Printf("executor: running %s %s", cfg.Cmd[0], strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		wg.Wait()
		return Result{}, fmt.Errorf("starting executor: %w", err)
	}

	waitErr := cmd.Wait()
	stdoutW.Close()
	stderrW.Close()
	wg.Wait()

	result := Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdoutBuffer.Render(),
		Stderr:   stderrBuffer.Render(),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return result, ErrTimeout
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			// Non-zero exit is part of the Result, not a run failure.
			return result, nil
		}
		if errors.Is(waitErr, exec.ErrWaitDelay) {
			// The executor exited but an orphaned child kept the pipes
			// open; the captured output is complete enough.
			return result, nil
		}
		return result, fmt.Errorf("waiting for executor: %w", waitErr)
	}
	return result, nil
}

func drainStdout(r io.Reader, buf *streambuf.Buffer, onProgress func(ProgressEvent)) {
	drainInto(r, buf, func(line string) {
		if onProgress == nil {
			return
		}
		payload := parseStreamJSONLine(line)
		if payload == nil {
			return
		}
		if event := extractProgressEvent(payload); event != nil {
			onProgress(*event)
		}
	})
}

func drainLines(r io.Reader, buf *streambuf.Buffer) {
	drainInto(r, buf, nil)
}

// drainInto consumes r to EOF, appending every byte to buf line by line.
// The reader must always be drained fully: the subprocess writes into an
// io.Pipe, and a writer with no reader blocks Wait forever. onLine
// receives each complete line up to maxEventLineBytes; oversized lines
// are still captured but never parsed.
func drainInto(r io.Reader, buf *streambuf.Buffer, onLine func(string)) {
	reader := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	oversized := false
	for {
		fragment, isPrefix, err := reader.ReadLine()
		if len(fragment) > 0 {
			buf.Append(string(fragment))
			if !oversized {
				if len(line)+len(fragment) > maxEventLineBytes {
					oversized = true
					line = line[:0]
				} else {
					line = append(line, fragment...)
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("executor: stream capture failed: %v", err)
				io.Copy(io.Discard, r)
			}
			return
		}
		if isPrefix {
			continue
		}
		buf.Append("\n")
		if onLine != nil && !oversized {
			onLine(string(line))
		}
		line = line[:0]
		oversized = false
	}
}
