// Package vmware implements the VMware TELNET extension (option byte
// 232): the sub-option exchange used to negotiate the 8-bit data
// path, identify a VM by UUID, proxy-authenticate a VSPC URI, and
// hand off VMotion tokens. It is the telnet.OptionHandler bound into
// one VM connection's Decoder by the session driver.
package vmware

import (
	"crypto/rand"
	"fmt"
	"log/slog"

	"github.com/zeitwork/vspc/internal/telnet"
	"github.com/zeitwork/vspc/internal/vmuuid"
)

// Option bytes relevant to the handshake.
const (
	Binary     byte = 0
	SGA        byte = 3
	VMwareExt  byte = 232
)

// VMware sub-commands, per the extension protocol.
const (
	KnownSuboptions1 byte = 0
	KnownSuboptions2 byte = 1
	VMotionBegin     byte = 40
	VMotionGoAhead   byte = 41
	VMotionNotNow    byte = 43
	VMotionPeer      byte = 44
	VMotionPeerOK    byte = 45
	VMotionComplete  byte = 46
	VMotionAbort     byte = 48
	VMVCUUID         byte = 80
	GetVMVCUUID      byte = 81
	VMName           byte = 82
	GetVMName        byte = 83
	DoProxy          byte = 70
	WillProxy        byte = 71
	WontProxy        byte = 73
)

// SupportedSuboptions is the fixed set this server advertises in
// KNOWN_SUBOPTIONS_2, in the exact wire order a connecting VM expects
// to see them concatenated.
var SupportedSuboptions = []byte{
	KnownSuboptions1, KnownSuboptions2,
	VMotionBegin, VMotionGoAhead, VMotionNotNow, VMotionPeer, VMotionPeerOK,
	VMotionComplete, VMotionAbort,
	VMVCUUID, GetVMVCUUID, VMName, GetVMName,
	DoProxy, WillProxy, WontProxy,
}

// Writer is the minimal contract the handler needs to send replies:
// a writer that can be explicitly flushed. The session driver passes
// an unbuffered connection writer whose Flush is a no-op.
type Writer interface {
	Write([]byte) (int, error)
	Flush() error
}

// Closer lets the handler terminate the connection on proxy
// rejection or an unknown sub-command, without the handler needing
// to know about session registry teardown.
type Closer interface {
	Close() error
}

// Handler implements telnet.OptionHandler for one VM connection.
type Handler struct {
	w      Writer
	closer Closer
	logger *slog.Logger

	uri string // configured VSPC URI, required to accept DO_PROXY

	uuidCh     chan string // one-shot; buffer 1
	uuidClosed bool
}

var _ telnet.OptionHandler = (*Handler)(nil)

// New constructs a Handler for one connection. uri is the configured
// VSPC URI that DO_PROXY must match to be accepted; with "" only a
// DO_PROXY carrying direction 'S' and an empty URI is accepted.
func New(w Writer, closer Closer, uri string, logger *slog.Logger) *Handler {
	return &Handler{
		w:      w,
		closer: closer,
		uri:    uri,
		logger: logger,
		uuidCh: make(chan string, 1),
	}
}

// UUIDReceived returns the channel fulfilled exactly once, with the
// normalized UUID, when VM_VC_UUID arrives.
func (h *Handler) UUIDReceived() <-chan string {
	return h.uuidCh
}

// HandleCommand implements this server's DO/DONT/WILL/WONT reply
// table: answer WILL with DO for Binary, SGA, and the VMware
// extension, and DO with WILL for Binary and SGA only; decline
// everything else.
func (h *Handler) HandleCommand(cmd, opt byte) error {
	switch cmd {
	case telnet.WILL:
		if opt == Binary || opt == SGA || opt == VMwareExt {
			return h.send(telnet.EncodeCommand(telnet.DO, opt))
		}
		return h.send(telnet.EncodeCommand(telnet.DONT, opt))
	case telnet.DO:
		if opt == Binary || opt == SGA {
			return h.send(telnet.EncodeCommand(telnet.WILL, opt))
		}
		return h.send(telnet.EncodeCommand(telnet.WONT, opt))
	case telnet.DONT, telnet.WONT:
		// No reply required; the peer is declining something we
		// offered or confirming something we declined.
		return nil
	default:
		return &telnet.ProtocolError{Reason: fmt.Sprintf("unhandled command %d", cmd)}
	}
}

// HandleSubnegotiation dispatches VMware sub-commands. Subnegotiations
// for any other option are ignored.
func (h *Handler) HandleSubnegotiation(payload []byte) error {
	if len(payload) == 0 || payload[0] != VMwareExt {
		return nil
	}
	if len(payload) < 2 {
		return &telnet.ProtocolError{Reason: "VMware subnegotiation missing sub-command"}
	}
	subcmd := payload[1]
	data := payload[2:]

	switch subcmd {
	case KnownSuboptions1:
		return h.handleKnownSuboptions()
	case DoProxy:
		return h.handleDoProxy(data)
	case VMVCUUID:
		return h.handleVMVCUUID(data)
	case VMotionBegin:
		return h.handleVMotionBegin(data)
	case VMotionPeer:
		return h.handleVMotionPeer(data)
	case VMotionComplete:
		h.logger.Debug("vmotion complete", "data", data)
		return nil
	case VMotionNotNow, VMotionAbort, VMName, GetVMName:
		// Advertised as supported but never driven by this server.
		// Observational no-ops rather than unknown commands.
		h.logger.Debug("vmware suboption observed, no handler", "subcmd", subcmd)
		return nil
	default:
		h.logger.Error("unknown vmware sub-command", "subcmd", subcmd)
		h.closer.Close()
		return &telnet.ProtocolError{Reason: fmt.Sprintf("unknown vmware sub-command %d", subcmd)}
	}
}

func (h *Handler) handleKnownSuboptions() error {
	reply := append([]byte{VMwareExt, KnownSuboptions2}, SupportedSuboptions...)
	if err := h.send(telnet.EncodeSubnegotiation(reply)); err != nil {
		return err
	}
	getUUID := []byte{VMwareExt, GetVMVCUUID}
	return h.send(telnet.EncodeSubnegotiation(getUUID))
}

func (h *Handler) handleDoProxy(data []byte) error {
	if len(data) == 0 {
		return &telnet.ProtocolError{Reason: "DO_PROXY missing direction byte"}
	}
	dir := data[0]
	uri := string(data[1:])
	h.logger.Debug("do_proxy", "dir", string(dir), "uri", uri)

	if dir != 'S' || uri != h.uri {
		if err := h.send(telnet.EncodeSubnegotiation([]byte{VMwareExt, WontProxy})); err != nil {
			return err
		}
		h.closer.Close()
		return nil
	}
	return h.send(telnet.EncodeSubnegotiation([]byte{VMwareExt, WillProxy}))
}

func (h *Handler) handleVMVCUUID(data []byte) error {
	uuid := vmuuid.Normalize(string(data))
	h.logger.Debug("vm_vc_uuid", "uuid", uuid)
	if h.uuidClosed {
		return &telnet.ProtocolError{Reason: "VM_VC_UUID received twice"}
	}
	h.uuidClosed = true
	h.uuidCh <- uuid
	return nil
}

func (h *Handler) handleVMotionBegin(cookie []byte) error {
	secret := make([]byte, 4)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate vmotion secret: %w", err)
	}
	reply := append([]byte{VMwareExt, VMotionGoAhead}, cookie...)
	reply = append(reply, secret...)
	return h.send(telnet.EncodeSubnegotiation(reply))
}

func (h *Handler) handleVMotionPeer(data []byte) error {
	reply := append([]byte{VMwareExt, VMotionPeerOK}, data...)
	return h.send(telnet.EncodeSubnegotiation(reply))
}

func (h *Handler) send(b []byte) error {
	if _, err := h.w.Write(b); err != nil {
		return err
	}
	return h.w.Flush()
}
