// Package vspcservice wires the VM listener, the VM session driver,
// the optional admin endpoint, and graceful shutdown into a single
// running service, the way internal/load-balancer wires its own
// accept loop and shutdown sequence.
package vspcservice

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/zeitwork/vspc/internal/clientplane"
	"github.com/zeitwork/vspc/internal/eventbus"
	"github.com/zeitwork/vspc/internal/logsink"
	"github.com/zeitwork/vspc/internal/registry"
	"github.com/zeitwork/vspc/internal/tlswrap"
	"github.com/zeitwork/vspc/internal/vmsession"
	"github.com/zeitwork/vspc/internal/vspcconfig"
)

const shutdownWait = 30 * time.Second

// Service owns every listener this server runs: the VM listener
// (always on), the admin listener, and — indirectly, one per VM
// session — the client listeners the session driver starts.
type Service struct {
	cfg      *vspcconfig.Config
	logger   *slog.Logger
	registry *registry.Registry
	logSink  *logsink.FileSink
	events   *eventbus.Client
	tls      *tlswrap.Wrapper

	vmListener    net.Listener
	adminServer   *clientplane.AdminServer
	activeSessions sync.WaitGroup
}

// New constructs a Service from cfg. It connects the event bus if
// configured (logging and continuing without one on failure, since
// the event bus is best-effort) and sets up the log sink, which opens
// its per-UUID files lazily on first write.
func New(cfg *vspcconfig.Config, logger *slog.Logger) (*Service, error) {
	var w *tlswrap.Wrapper
	if cfg.TLSEnabled() {
		var err error
		w, err = tlswrap.New(cfg.Cert, cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("load TLS materials: %w", err)
		}
	}

	var events *eventbus.Client
	if len(cfg.NATSURLs) > 0 {
		c, err := eventbus.NewClient(cfg.NATSURLs, logger)
		if err != nil {
			logger.Warn("event bus unavailable, continuing without it", "error", err)
		} else {
			events = c
		}
	}

	return &Service{
		cfg:      cfg,
		logger:   logger,
		registry: registry.New(cfg.VMStartPort, cfg.EnableClients),
		logSink:  logsink.New(cfg.SerialLogDir),
		events:   events,
		tls:      w,
	}, nil
}

// Run opens the VM listener (and the admin listener, if the client
// plane is enabled and an admin port is configured)
// and serves until ctx is cancelled, then waits up to shutdownWait
// for in-flight VM sessions to tear down.
func (s *Service) Run(ctx context.Context) error {
	vmAddr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", vmAddr)
	if err != nil {
		return fmt.Errorf("bind VM listener on %s: %w", vmAddr, err)
	}
	if s.tls != nil {
		ln = s.tls.Wrap(ln)
	}
	s.vmListener = ln
	s.logger.Info("VM listener ready", "addr", vmAddr, "tls", s.tls != nil)

	if s.cfg.EnableClients && s.cfg.AdminPort != 0 {
		admin, err := clientplane.NewAdminServer(s.registry, s.cfg.AdminHost, s.cfg.AdminPort, s.cfg.ClientHost, s.tls, s.logger)
		if err != nil {
			ln.Close()
			return fmt.Errorf("start admin endpoint: %w", err)
		}
		s.adminServer = admin
		go admin.Serve(ctx)
		s.logger.Info("admin endpoint ready", "addr", fmt.Sprintf("%s:%d", s.cfg.AdminHost, s.cfg.AdminPort))
	}

	go s.acceptLoop(ctx)

	<-ctx.Done()
	s.logger.Info("shutting down")
	ln.Close()
	if s.adminServer != nil {
		s.adminServer.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.activeSessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("all VM sessions closed gracefully")
	case <-time.After(shutdownWait):
		s.logger.Warn("timed out waiting for VM sessions to close")
	}

	if err := s.logSink.Close(); err != nil {
		s.logger.Error("error closing serial log files", "error", err)
	}
	s.events.Close()
	return nil
}

func (s *Service) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.vmListener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Error("VM listener accept failed", "error", err)
				continue
			}
		}

		s.activeSessions.Add(1)
		go func() {
			defer s.activeSessions.Done()
			driver := &vmsession.Driver{
				Registry:      s.registry,
				LogSink:       s.logSink,
				Events:        s.events,
				URI:           s.cfg.URI,
				EnableClients: s.cfg.EnableClients,
				ClientHost:    s.cfg.ClientHost,
				ClientTLS:     s.tls,
				Logger:        s.logger,
			}
			if err := driver.Run(ctx, conn); err != nil {
				s.logger.Debug("VM session ended", "error", err)
			}
		}()
	}
}
