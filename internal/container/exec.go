package container

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	apperrors "github.com/sga-jerrylin/DKR-SGA/pkg/errors"
)

const (
	maxDiagnostics = 8 << 10
	waitDelay      = 2 * time.Second
)

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

// runResult describes a finished subprocess.
type runResult struct {
	ExitCode int
	Stderr   string
}

// run executes bin with args under ctx. A context deadline is reported as
// apperrors.ErrTimeout.
func run(ctx context.Context, logger *slog.Logger, bin string, args []string, stdout io.Writer) (runResult, error) {
	stderr := &tailBuffer{limit: maxDiagnostics}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	logger.Debug("exec", "bin", bin, "args", strings.Join(args, " "))

	err := cmd.Run()
	res := runResult{Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return res, apperrors.Newf(apperrors.ErrTimeout, "%s did not finish in time", bin)
		}
		return res, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	}
	return res, err
}
