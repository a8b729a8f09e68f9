package vmsession

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/zeitwork/vspc/internal/registry"
	"github.com/zeitwork/vspc/internal/telnet"
	"github.com/zeitwork/vspc/internal/vmware"
)

type memLogSink struct {
	mu   sync.Mutex
	logs map[string][]byte
}

func newMemLogSink() *memLogSink { return &memLogSink{logs: make(map[string][]byte)} }

func (s *memLogSink) Append(uuid string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[uuid] = append(s.logs[uuid], data...)
	return nil
}

func (s *memLogSink) get(uuid string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte{}, s.logs[uuid]...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func handshakeBytes(uuid string) []byte {
	var out []byte
	out = append(out, telnet.EncodeCommand(telnet.WILL, vmware.Binary)...)
	out = append(out, telnet.EncodeCommand(telnet.WILL, vmware.SGA)...)
	out = append(out, telnet.EncodeCommand(telnet.WILL, vmware.VMwareExt)...)
	out = append(out, telnet.EncodeSubnegotiation([]byte{vmware.VMwareExt, vmware.KnownSuboptions1})...)
	out = append(out, telnet.EncodeSubnegotiation(append([]byte{vmware.VMwareExt, vmware.VMVCUUID}, []byte(uuid)...))...)
	return out
}

func waitForRegistration(t *testing.T, reg *registry.Registry, uuid string) int {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if port, ok := reg.Get(uuid); ok {
			return port
		}
		if _, ok := reg.Lookup(uuid); ok {
			return 0
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session for %s never registered", uuid)
	return 0
}

func TestRun_HandshakeRegistersLogsAndTearsDownOnEOF(t *testing.T) {
	serverConn, vmConn := net.Pipe()

	reg := registry.New(20000, false)
	logSink := newMemLogSink()
	d := &Driver{
		Registry:     reg,
		LogSink:      logSink,
		URI:          "",
		IdentTimeout: 500 * time.Millisecond,
		Logger:       discardLogger(),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(context.Background(), serverConn) }()

	var replies bytes.Buffer
	go io.Copy(&replies, vmConn)

	if _, err := vmConn.Write(handshakeBytes("42-42 AB")); err != nil {
		t.Fatalf("failed to write handshake: %v", err)
	}

	waitForRegistration(t, reg, "4242AB")

	if _, err := vmConn.Write([]byte("console output")); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(logSink.get("4242AB")) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := string(logSink.get("4242AB")); got != "console output" {
		t.Fatalf("log sink got %q, want %q", got, "console output")
	}

	vmConn.Close()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not return after VM disconnect")
	}

	if _, ok := reg.Lookup("4242AB"); ok {
		t.Fatal("expected session to be unregistered after teardown")
	}
}

func TestRun_IdentificationTimeout(t *testing.T) {
	serverConn, vmConn := net.Pipe()
	defer vmConn.Close()

	reg := registry.New(20000, false)
	d := &Driver{
		Registry:     reg,
		LogSink:      newMemLogSink(),
		IdentTimeout: 50 * time.Millisecond,
		Logger:       discardLogger(),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(context.Background(), serverConn) }()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected identification timeout error, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not time out")
	}
}

func TestRun_VMDisconnectsBeforeIdentification(t *testing.T) {
	serverConn, vmConn := net.Pipe()

	reg := registry.New(20000, false)
	d := &Driver{
		Registry:     reg,
		LogSink:      newMemLogSink(),
		IdentTimeout: 2 * time.Second,
		Logger:       discardLogger(),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(context.Background(), serverConn) }()

	vmConn.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected an error when VM disconnects before identifying")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not return after early disconnect")
	}
}
