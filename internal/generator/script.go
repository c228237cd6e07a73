package generator

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/okkar/taskstream/internal/task"
	"github.com/okkar/taskstream/pkg/cerr"
)

// scannerBufferSize bounds a single output line. Lines beyond this fail the
// stream instead of silently truncating.
const scannerBufferSize = 1024 * 1024

// ScriptSource runs a shell command per task and streams its stdout line by
// line. The command is parsed up front with the shfmt parser so a broken
// command fails at construction, not mid-stream.
type ScriptSource struct {
	command string
	workDir string
}

func NewScriptSource(command, workDir string) (*ScriptSource, error) {
	if strings.TrimSpace(command) == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "generator command must not be empty", nil)
	}
	parser := syntax.NewParser(syntax.Variant(syntax.LangPOSIX))
	if _, err := parser.Parse(strings.NewReader(command), ""); err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, "generator command is not valid shell", err)
	}
	return &ScriptSource{command: command, workDir: workDir}, nil
}

// Produce starts the command and returns its output stream. The task is
// handed to the command through TASKSTREAM_* environment variables.
func (s *ScriptSource) Produce(ctx context.Context, t *task.Task) (<-chan Chunk, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", s.command)
	cmd.Dir = s.workDir
	cmd.Env = append(os.Environ(),
		"TASKSTREAM_TASK_ID="+t.ID,
		"TASKSTREAM_PROJECT_ID="+t.ProjectID,
		"TASKSTREAM_TASK_TITLE="+t.Title,
		"TASKSTREAM_TASK_DESCRIPTION="+t.Description,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to create stdout pipe: %w", err))
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to start generator command: %w", err))
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)

		var content strings.Builder
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), scannerBufferSize)
		for scanner.Scan() {
			line := scanner.Text() + "\n"
			content.WriteString(line)
			select {
			case out <- Chunk{Text: line}:
			case <-ctx.Done():
				_ = cmd.Wait()
				emit(ctx, out, Chunk{Err: cerr.NewError(cerr.Canceled, "generator cancelled", ctx.Err())})
				return
			}
		}
		scanErr := scanner.Err()

		if err := cmd.Wait(); err != nil {
			msg := "generator command failed"
			if tail := lastLine(stderr.String()); tail != "" {
				msg = fmt.Sprintf("%s: %s", msg, tail)
			}
			emit(ctx, out, Chunk{Err: cerr.NewError(cerr.Internal, msg, err)})
			return
		}
		if scanErr != nil {
			emit(ctx, out, Chunk{Err: cerr.NewError(cerr.Internal, "failed to read generator output", scanErr)})
			return
		}
		emit(ctx, out, Chunk{Final: true, TokensUsed: countTokens(content.String())})
	}()
	return out, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
