package clientplane

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/zeitwork/vspc/internal/registry"
	"github.com/zeitwork/vspc/internal/tlswrap"
)

// AdminServer answers the line-oriented operator protocol: LIST
// returns every registered UUID and its client address, GET <uuid>
// returns one UUID's address (or "None"). Any other line, or a
// connection that closes before a full line arrives, is closed
// without a reply.
type AdminServer struct {
	ln         net.Listener
	reg        *registry.Registry
	clientHost string
	logger     *slog.Logger
}

// NewAdminServer binds host:port for the admin protocol.
// clientHost is the address advertised back to operators for each
// UUID's client port (normally the same host the client listeners
// bind to).
func NewAdminServer(reg *registry.Registry, host string, port int, clientHost string, w *tlswrap.Wrapper, logger *slog.Logger) (*AdminServer, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("bind admin listener: %w", err)
	}
	if w != nil {
		ln = w.Wrap(ln)
	}
	return &AdminServer{ln: ln, reg: reg, clientHost: clientHost, logger: logger}, nil
}

// Serve runs the admin accept loop until the listener is closed or
// ctx is cancelled.
func (a *AdminServer) Serve(ctx context.Context) {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				a.logger.Debug("admin listener accept stopped", "error", err)
			}
			return
		}
		go a.handleConn(conn)
	}
}

func (a *AdminServer) Stop() {
	a.ln.Close()
}

func (a *AdminServer) handleConn(conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	fields := strings.Fields(line)

	switch {
	case len(fields) == 1 && fields[0] == "LIST":
		for _, e := range a.reg.Snapshot() {
			fmt.Fprintf(conn, "%s %s:%d\n", e.UUID, a.clientHost, e.Port)
		}
	case len(fields) == 2 && fields[0] == "GET":
		port, ok := a.reg.Get(fields[1])
		if !ok {
			fmt.Fprint(conn, "None\n")
			return
		}
		fmt.Fprintf(conn, "%s:%d\n", a.clientHost, port)
	default:
		return
	}
}
