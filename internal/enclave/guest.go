package enclave

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"enclaverun/internal/usercall"
)

// LineEcho binds Addr, accepts a connection, reads one line from it and
// prints the line.  Connections that fail their transform are skipped
// and temporary accept errors are retried with backoff; any other
// accept error ends the guest.
type LineEcho struct {
	Addr string

	// Connections is how many lines to read before exiting.  Zero
	// means one.
	Connections int
}

// Main implements Guest.
func (g *LineEcho) Main(ctx context.Context, sys Syscalls) error {
	ln, _, err := sys.BindStream(g.Addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	want := g.Connections
	if want <= 0 {
		want = 1
	}
	var retry usercall.AcceptRetry
	for served := 0; served < want; {
		conn, _, _, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && retry.Wait(err) {
				continue
			}
			return err
		}
		line, err := bufio.NewReader(conn).ReadString('\n')
		conn.Close()
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read: %w", err)
		}
		fmt.Fprintln(sys.Stdout(), strings.TrimRight(line, "\r\n"))
		served++
	}
	return nil
}
