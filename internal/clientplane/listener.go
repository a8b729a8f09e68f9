// Package clientplane implements the optional per-UUID client
// listener and the admin line-protocol endpoint.
package clientplane

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/zeitwork/vspc/internal/registry"
	"github.com/zeitwork/vspc/internal/tlswrap"
)

// clientWriter wraps a client's net.Conn so it satisfies
// registry.Writer.
type clientWriter struct {
	net.Conn
}

// Listener accepts clients for one VM's UUID on its allocated port
// and fans their writes into the VM writer, while the VM session
// driver fans VM payload back out to every attached client.
type Listener struct {
	ln         net.Listener
	reg        *registry.Registry
	uuid       string
	logger     *slog.Logger
	acceptDone chan struct{}
}

// NewListener binds host:port (TLS-wrapped if w applies) and returns
// a Listener ready to Serve.
func NewListener(reg *registry.Registry, uuid, host string, port int, w *tlswrap.Wrapper, logger *slog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("bind client listener on port %d: %w", port, err)
	}
	if w != nil {
		ln = w.Wrap(ln)
	}
	return &Listener{
		ln:         ln,
		reg:        reg,
		uuid:       uuid,
		logger:     logger,
		acceptDone: make(chan struct{}),
	}, nil
}

// Serve runs the accept loop until the listener is closed (by Stop)
// or ctx is cancelled. It returns once accepting has quiesced.
func (l *Listener) Serve(ctx context.Context) {
	defer close(l.acceptDone)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				l.logger.Debug("client listener accept stopped", "error", err)
			}
			return
		}
		go l.handleClient(conn)
	}
}

// handleClient reads up to 1024 bytes at a time from a client and
// pastes them through into the session's vm_writer, terminating on
// client EOF, transport error, or a missing/closed vm_writer.
func (l *Listener) handleClient(conn net.Conn) {
	w := clientWriter{conn}
	l.reg.AttachClient(l.uuid, w)
	defer func() {
		l.reg.DetachClient(l.uuid, w)
		conn.Close()
	}()

	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		sess, ok := l.reg.Lookup(l.uuid)
		if !ok || sess.VMWriter == nil {
			return
		}
		if _, err := sess.VMWriter.Write(buf[:n]); err != nil {
			return
		}
	}
}

// Stop stops accepting new clients and blocks until the accept loop
// has quiesced. It does not close already-attached client writers —
// that responsibility belongs to the caller, which holds the
// session's writer set from Unregister and closes them only after
// accepting has fully stopped.
func (l *Listener) Stop() {
	l.ln.Close()
	<-l.acceptDone
}
