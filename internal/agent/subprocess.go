package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/devflow/internal/agent"

// maxLineSize bounds a single stream-json line. Agent transcript chunks can
// carry whole files.
const maxLineSize = 4 * 1024 * 1024

// Subprocess runs the agent CLI via os/exec.
type Subprocess struct {
	command string
	logger  *zap.Logger

	tracer      trace.Tracer
	meter       metric.Meter
	execCounter metric.Int64Counter
}

// NewSubprocess creates an executor shelling out to command.
func NewSubprocess(command string, logger *zap.Logger) (*Subprocess, error) {
	if command == "" {
		return nil, errors.New("agent command is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Subprocess{
		command: command,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}

	var err error
	s.execCounter, err = s.meter.Int64Counter(
		"devflow.agent.executions_total",
		metric.WithDescription("Total number of agent subprocess invocations"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		logger.Warn("failed to create execution counter", zap.Error(err))
	}

	return s, nil
}

// streamLine is one line of the agent CLI's stream-json stdout protocol.
type streamLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Usage     Usage  `json:"usage"`
	Message   struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

func (s *Subprocess) buildArgs(opts Options) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	return args
}

func (s *Subprocess) start(ctx context.Context, prompt string, opts Options) (*exec.Cmd, io.ReadCloser, *bytes.Buffer, context.CancelFunc, error) {
	if opts.WorkDir == "" {
		return nil, nil, nil, nil, errors.New("work dir is required")
	}

	cancel := func() {}
	if opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}

	cmd := exec.CommandContext(ctx, s.command, s.buildArgs(opts)...)
	cmd.Dir = opts.WorkDir
	cmd.Stdin = strings.NewReader(prompt)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, nil, nil, nil, fmt.Errorf("open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, nil, nil, nil, fmt.Errorf("start agent %q: %w", s.command, err)
	}
	return cmd, stdout, &stderr, cancel, nil
}

// Execute runs the agent to completion.
func (s *Subprocess) Execute(ctx context.Context, prompt string, opts Options) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "agent.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent.command", s.command),
		attribute.String("agent.work_dir", opts.WorkDir),
	)

	cmd, stdout, stderr, cancel, err := s.start(ctx, prompt, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer cancel()

	result, parseErr := parseStream(stdout, nil)
	waitErr := cmd.Wait()

	if s.execCounter != nil {
		s.execCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("error", waitErr != nil || parseErr != nil)))
	}

	if waitErr != nil {
		if ctx.Err() != nil {
			s.logger.Warn("agent subprocess killed on deadline",
				zap.String("work_dir", opts.WorkDir),
				zap.Duration("timeout", opts.Timeout))
			return nil, fmt.Errorf("%w after %s", ErrTimeout, opts.Timeout)
		}
		span.RecordError(waitErr)
		return nil, subprocessError(waitErr, stderr)
	}
	if parseErr != nil {
		span.RecordError(parseErr)
		return nil, parseErr
	}

	s.logger.Debug("agent execution completed",
		zap.String("session_id", result.SessionID),
		zap.Int("output_tokens", result.Usage.OutputTokens))
	return result, nil
}

// ExecuteStream runs the agent and forwards events as they arrive.
func (s *Subprocess) ExecuteStream(ctx context.Context, prompt string, opts Options) (<-chan StreamEvent, error) {
	ctx, span := s.tracer.Start(ctx, "agent.execute_stream")

	cmd, stdout, stderr, cancel, err := s.start(ctx, prompt, opts)
	if err != nil {
		span.RecordError(err)
		span.End()
		return nil, err
	}

	events := make(chan StreamEvent, 16)
	go func() {
		defer span.End()
		defer cancel()
		defer close(events)

		_, parseErr := parseStream(stdout, events)
		waitErr := cmd.Wait()

		switch {
		case waitErr != nil && ctx.Err() != nil:
			events <- StreamEvent{Type: EventError, Content: fmt.Sprintf("%v after %s", ErrTimeout, opts.Timeout)}
		case waitErr != nil:
			events <- StreamEvent{Type: EventError, Content: subprocessError(waitErr, stderr).Error()}
		case parseErr != nil:
			events <- StreamEvent{Type: EventError, Content: parseErr.Error()}
		}
	}()
	return events, nil
}

func subprocessError(waitErr error, stderr *bytes.Buffer) error {
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		msg = waitErr.Error()
	}
	return fmt.Errorf("%w: %s", ErrSubprocess, msg)
}

// parseStream consumes stream-json lines until EOF. Progress events are
// forwarded to events when non-nil. The result line terminates the stream.
func parseStream(r io.Reader, events chan<- StreamEvent) (*Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	result := &Result{}
	sawResult := false

	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var line streamLine
		if err := json.Unmarshal(raw, &line); err != nil {
			// Tolerate non-JSON noise on stdout.
			continue
		}

		if line.SessionID != "" {
			result.SessionID = line.SessionID
		}

		switch line.Type {
		case "result":
			sawResult = true
			result.Output = line.Result
			result.Usage = line.Usage
			if line.IsError {
				if events != nil {
					events <- StreamEvent{Type: EventError, Content: line.Result}
				}
				// Drain anything the child writes after the error line so
				// Wait never blocks on a full pipe.
				_, _ = io.Copy(io.Discard, r)
				return nil, fmt.Errorf("%w: %s", ErrSubprocess, line.Result)
			}
			if events != nil {
				events <- StreamEvent{Type: EventResult, Content: line.Result}
			}
		case "assistant":
			for _, block := range line.Message.Content {
				if block.Type == "text" && block.Text != "" {
					if !sawResult {
						result.Output = block.Text
					}
					if events != nil {
						events <- StreamEvent{Type: EventProgress, Content: block.Text}
					}
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read agent output: %w", err)
	}
	if !sawResult && result.Output == "" {
		return nil, fmt.Errorf("%w: no result in agent output", ErrSubprocess)
	}
	return result, nil
}
