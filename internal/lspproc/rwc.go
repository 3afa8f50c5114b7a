package lspproc

import (
	"io"
	"os/exec"
)

// rwc adapts a spawned LSP server's stdin/stdout pipes into a single
// io.ReadWriteCloser, closing the write side first so the child observes
// EOF on stdin and exits cleanly. Process reaping is the Client's job, not
// this adapter's: Close must stay non-blocking so the jsonrpc2 layer can
// tear a wedged connection down without waiting on the child.
type rwc struct {
	io.ReadCloser
	io.WriteCloser
	cmd *exec.Cmd
}

func (r rwc) Close() error {
	werr := r.WriteCloser.Close()
	rerr := r.ReadCloser.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
