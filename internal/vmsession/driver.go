// Package vmsession implements the per-connection VM session driver:
// it runs the TELNET/VMware handshake on an accepted VM connection,
// registers the resulting UUID, optionally starts that UUID's client
// listener, and then pumps the VM's payload stream into the log sink
// and out to attached clients until the VM disconnects.
package vmsession

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/zeitwork/vspc/internal/clientplane"
	"github.com/zeitwork/vspc/internal/eventbus"
	"github.com/zeitwork/vspc/internal/registry"
	"github.com/zeitwork/vspc/internal/shared/logging"
	"github.com/zeitwork/vspc/internal/telnet"
	"github.com/zeitwork/vspc/internal/tlswrap"
	"github.com/zeitwork/vspc/internal/vmuuid"
	"github.com/zeitwork/vspc/internal/vmware"
	"github.com/zeitwork/vspc/internal/vspcerrors"
)

const defaultIdentTimeout = 2 * time.Second

// LogSink is the append-only persistence target for a VM's serial
// stream. logsink.FileSink satisfies it.
type LogSink interface {
	Append(uuid string, data []byte) error
}

// Driver holds everything one accepted VM connection's session needs
// that isn't per-connection state. Events may be a nil *eventbus.Client
// — every method on it tolerates a nil receiver.
type Driver struct {
	Registry      *registry.Registry
	LogSink       LogSink
	Events        *eventbus.Client
	URI           string
	IdentTimeout  time.Duration
	EnableClients bool
	ClientHost    string
	ClientTLS     *tlswrap.Wrapper
	Logger        *slog.Logger
}

type dataErrResult struct {
	data []byte
	err  error
}

// netWriter wraps a VM's net.Conn so it is safe to use both as the
// vmware handler's reply writer (Write+Flush, no buffering needed
// since Write already goes straight to the socket) and as the
// registry's vm_writer (Write+Close), across the session driver
// goroutine and however many client handler goroutines are pasting
// data through concurrently.
type netWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func newNetWriter(conn net.Conn) *netWriter { return &netWriter{conn: conn} }

func (w *netWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Write(p)
}

func (w *netWriter) Flush() error { return nil }

func (w *netWriter) Close() error { return w.conn.Close() }

// Run drives one accepted VM connection end to end. It returns nil on
// a clean VM disconnect and a non-nil error for every other
// disposition (identification timeout, protocol error, registration
// failure, log I/O failure). The caller owns conn and may close it
// again after Run returns; Run always closes it itself first.
func (d *Driver) Run(ctx context.Context, conn net.Conn) error {
	peer := conn.RemoteAddr().String()
	logger := logging.WithPeer(d.Logger, peer).With("conn_id", vmuuid.NewCorrelationID())

	vmw := newNetWriter(conn)
	handler := vmware.New(vmw, vmw, d.URI, logger)
	decoder := telnet.NewDecoder(conn, handler)

	resultCh := make(chan dataErrResult, 1)
	go func() {
		data, err := decoder.NextData()
		resultCh <- dataErrResult{data, err}
	}()

	identTimeout := d.IdentTimeout
	if identTimeout == 0 {
		identTimeout = defaultIdentTimeout
	}
	timer := time.NewTimer(identTimeout)
	defer timer.Stop()

	var uuid string
	select {
	case uuid = <-handler.UUIDReceived():
	case res := <-resultCh:
		select {
		case uuid = <-handler.UUIDReceived():
			// Identified in the same read that produced this result;
			// keep it for the payload loop below.
			resultCh <- res
		default:
			conn.Close()
			var protoErr *telnet.ProtocolError
			if errors.As(res.err, &protoErr) {
				logger.Error("telnet protocol error before identification", "error", protoErr)
				return vspcerrors.Wrap(vspcerrors.KindProtocol, "telnet protocol error before VM identified", protoErr)
			}
			if res.err != nil {
				logger.Info("vm connection ended before identification", "error", res.err)
				return vspcerrors.Wrap(vspcerrors.KindPeerClosed, "connection closed before VM identified", res.err)
			}
			return vspcerrors.New(vspcerrors.KindProtocol, "payload received before VM identified")
		}
	case <-timer.C:
		logger.Error("identification timeout")
		conn.Close()
		return vspcerrors.New(vspcerrors.KindIdentTimeout, "VM did not present its UUID within the timeout")
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}

	logger = logging.WithUUID(logger, uuid)

	port, err := d.Registry.AllocateAndRegister(uuid, vmw)
	if err != nil {
		conn.Close()
		if errors.Is(err, registry.ErrPortsExhausted) {
			return vspcerrors.Wrap(vspcerrors.KindPortExhausted, "no free client port available", err)
		}
		return vspcerrors.Wrap(vspcerrors.KindProtocol, "failed to register session", err)
	}
	logger.Info("vm session registered", "client_port", port)
	d.Events.PublishSessionEvent(eventbus.SubjectRegistered, uuid, port, time.Now())

	var listener *clientplane.Listener
	cleanup := func() {
		sess, _ := d.Registry.Unregister(uuid)
		d.Events.PublishSessionEvent(eventbus.SubjectUnregistered, uuid, port, time.Now())
		if listener != nil {
			listener.Stop()
		}
		if sess != nil {
			for w := range sess.ClientWriters {
				w.Close()
			}
		}
		vmw.Close()
		logger.Info("vm session torn down")
	}
	defer cleanup()

	if d.EnableClients {
		listener, err = clientplane.NewListener(d.Registry, uuid, d.ClientHost, port, d.ClientTLS, logger)
		if err != nil {
			logger.Error("failed to start client listener", "error", err)
			return vspcerrors.Wrap(vspcerrors.KindListenerBind, "client listener bind failed", err)
		}
		go listener.Serve(ctx)
	}

	var data []byte
	var perr error
	select {
	case res := <-resultCh:
		data, perr = res.data, res.err
	case <-ctx.Done():
		return ctx.Err()
	}

	for perr == nil {
		if err := d.LogSink.Append(uuid, data); err != nil {
			logger.Error("serial log append failed", "error", err)
			return vspcerrors.Wrap(vspcerrors.KindLogIO, "failed to append serial log", err)
		}
		if d.EnableClients {
			for _, werr := range d.Registry.Broadcast(uuid, data) {
				logger.Debug("client broadcast write failed", "error", werr)
			}
		}
		data, perr = decoder.NextData()
	}

	if perr == io.EOF {
		logger.Info("vm disconnected")
		return nil
	}
	var protoErr *telnet.ProtocolError
	if errors.As(perr, &protoErr) {
		logger.Error("telnet protocol error", "error", protoErr)
		return vspcerrors.Wrap(vspcerrors.KindProtocol, "telnet protocol error", protoErr)
	}
	logger.Info("vm connection ended", "error", perr)
	return vspcerrors.Wrap(vspcerrors.KindPeerClosed, "vm connection error", perr)
}
