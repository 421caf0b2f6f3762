package transport

import (
	"io"
	"os"
)

// NewStreamLink frames messages over r and w. closers are closed by Close.
func NewStreamLink(r io.Reader, w io.Writer, closers ...io.Closer) Link {
	return newStreamConn(r, w, closers...)
}

// StdioLink is a worker's link to the parent that spawned it with
// ExecSpawner or SSHSpawner. Nothing else may write to stdout.
func StdioLink() Link {
	return newStreamConn(os.Stdin, os.Stdout, os.Stdout)
}
