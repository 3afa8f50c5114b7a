package lspproc

import (
	"bufio"
	"context"
	"io"
	"os/exec"

	"github.com/pkg/errors"

	"github.com/pleme-io/lspmux/internal/logger"
)

// spawn starts an LSP server command with workDir as its current working
// directory and returns its stdio as a single io.ReadWriteCloser framed by
// the jsonrpc2 layer above this package. Stderr is drained to the process
// log rather than left to block the child on a full pipe buffer.
func spawn(ctx context.Context, command string, args []string, workDir string) (io.ReadWriteCloser, *exec.Cmd, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = workDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, errors.Wrap(err, "obtaining LSP server stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, errors.Wrap(err, "obtaining LSP server stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, errors.Wrap(err, "obtaining LSP server stderr pipe")
	}

	go drainStderr(ctx, command, stderr)

	if err := cmd.Start(); err != nil {
		return nil, nil, errors.Wrapf(err, "starting LSP server %q", command)
	}

	return rwc{ReadCloser: stdout, WriteCloser: stdin, cmd: cmd}, cmd, nil
}

func drainStderr(ctx context.Context, command string, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		logger.WithContext(ctx).Debug("lsp server stderr", "command", command, "line", scanner.Text())
	}
}
