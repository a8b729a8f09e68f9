package vmware

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/zeitwork/vspc/internal/telnet"
)

type bufWriter struct {
	buf bytes.Buffer
}

func (w *bufWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *bufWriter) Flush() error                { return nil }

type countingCloser struct {
	closed int
}

func (c *countingCloser) Close() error {
	c.closed++
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(new(bytes.Buffer), nil))
}

func TestHandleSubnegotiation_KnownSuboptionsAdvertisesAndRequestsUUID(t *testing.T) {
	w := &bufWriter{}
	c := &countingCloser{}
	h := New(w, c, "", discardLogger())

	if err := h.HandleSubnegotiation([]byte{VMwareExt, KnownSuboptions1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantSuboptions := telnet.EncodeSubnegotiation(append([]byte{VMwareExt, KnownSuboptions2}, SupportedSuboptions...))
	wantGetUUID := telnet.EncodeSubnegotiation([]byte{VMwareExt, GetVMVCUUID})
	want := append(append([]byte{}, wantSuboptions...), wantGetUUID...)

	if !bytes.Equal(w.buf.Bytes(), want) {
		t.Fatalf("got %v, want %v", w.buf.Bytes(), want)
	}
}

func TestHandleSubnegotiation_VMVCUUIDNormalizesAndSignalsOnce(t *testing.T) {
	w := &bufWriter{}
	c := &countingCloser{}
	h := New(w, c, "", discardLogger())

	if err := h.HandleSubnegotiation([]byte{VMwareExt, VMVCUUID, '4', '2', ' ', '4', '2', '-', 'a'}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case uuid := <-h.UUIDReceived():
		if uuid != "4242a" {
			t.Fatalf("got normalized uuid %q, want %q", uuid, "4242a")
		}
	default:
		t.Fatal("expected UUIDReceived channel to be ready")
	}

	if err := h.HandleSubnegotiation([]byte{VMwareExt, VMVCUUID, 'x'}); err == nil {
		t.Fatal("expected second VM_VC_UUID to be a protocol error")
	}
}

func TestHandleSubnegotiation_DoProxyAcceptsMatchingURI(t *testing.T) {
	w := &bufWriter{}
	c := &countingCloser{}
	h := New(w, c, "telnet://vspc.example.com:13370", discardLogger())

	payload := append([]byte{VMwareExt, DoProxy, 'S'}, []byte("telnet://vspc.example.com:13370")...)
	if err := h.HandleSubnegotiation(payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := telnet.EncodeSubnegotiation([]byte{VMwareExt, WillProxy})
	if !bytes.Equal(w.buf.Bytes(), want) {
		t.Fatalf("got %v, want %v", w.buf.Bytes(), want)
	}
	if c.closed != 0 {
		t.Fatalf("connection should not be closed on accepted proxy, closed=%d", c.closed)
	}
}

func TestHandleSubnegotiation_DoProxyRejectsMismatchedURIAndCloses(t *testing.T) {
	w := &bufWriter{}
	c := &countingCloser{}
	h := New(w, c, "telnet://vspc.example.com:13370", discardLogger())

	payload := append([]byte{VMwareExt, DoProxy, 'S'}, []byte("telnet://wrong-host:1")...)
	if err := h.HandleSubnegotiation(payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := telnet.EncodeSubnegotiation([]byte{VMwareExt, WontProxy})
	if !bytes.Equal(w.buf.Bytes(), want) {
		t.Fatalf("got %v, want %v", w.buf.Bytes(), want)
	}
	if c.closed != 1 {
		t.Fatalf("expected connection to be closed once, closed=%d", c.closed)
	}
}

func TestHandleSubnegotiation_UnknownSubcommandClosesAndErrors(t *testing.T) {
	w := &bufWriter{}
	c := &countingCloser{}
	h := New(w, c, "", discardLogger())

	err := h.HandleSubnegotiation([]byte{VMwareExt, 99})
	if err == nil {
		t.Fatal("expected protocol error for unknown sub-command")
	}
	if c.closed != 1 {
		t.Fatalf("expected connection to be closed, closed=%d", c.closed)
	}
}

func TestHandleSubnegotiation_AdvertisedButUnhandledAreSilentNoOps(t *testing.T) {
	w := &bufWriter{}
	c := &countingCloser{}
	h := New(w, c, "", discardLogger())

	for _, subcmd := range []byte{VMotionNotNow, VMotionAbort, VMName, GetVMName} {
		if err := h.HandleSubnegotiation([]byte{VMwareExt, subcmd}); err != nil {
			t.Fatalf("subcmd %d: unexpected error: %v", subcmd, err)
		}
	}
	if w.buf.Len() != 0 {
		t.Fatalf("expected no reply bytes, got %v", w.buf.Bytes())
	}
	if c.closed != 0 {
		t.Fatalf("expected no close, closed=%d", c.closed)
	}
}

func TestHandleCommand_AcceptsBinarySGAAndExtension(t *testing.T) {
	w := &bufWriter{}
	c := &countingCloser{}
	h := New(w, c, "", discardLogger())

	for _, opt := range []byte{Binary, SGA, VMwareExt} {
		w.buf.Reset()
		if err := h.HandleCommand(telnet.WILL, opt); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := telnet.EncodeCommand(telnet.DO, opt)
		if !bytes.Equal(w.buf.Bytes(), want) {
			t.Fatalf("opt %d: got %v, want %v", opt, w.buf.Bytes(), want)
		}
	}
}

func TestHandleCommand_DeclinesUnknownOption(t *testing.T) {
	w := &bufWriter{}
	c := &countingCloser{}
	h := New(w, c, "", discardLogger())

	if err := h.HandleCommand(telnet.WILL, 199); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := telnet.EncodeCommand(telnet.DONT, 199)
	if !bytes.Equal(w.buf.Bytes(), want) {
		t.Fatalf("got %v, want %v", w.buf.Bytes(), want)
	}
}
