// Package telnet implements the byte-level TELNET (RFC 854) decoder
// this server needs: an 8-bit transparent data path with IAC
// escaping, DO/DONT/WILL/WONT option negotiation, and SB...SE
// sub-negotiation framing. It is deliberately narrow — just enough to
// carry the VMware extension handshake and an opaque binary payload
// stream, not a general-purpose TELNET client or server.
package telnet

import (
	"bufio"
	"fmt"
	"io"
)

// Command bytes, per RFC 854.
const (
	SE   byte = 240
	SB   byte = 250
	WILL byte = 251
	WONT byte = 252
	DO   byte = 253
	DONT byte = 254
	IAC  byte = 255
)

// OptionHandler is invoked synchronously, from inside NextData, for
// every option event the decoder parses ahead of the next payload
// span. Handlers that need to write a reply do so directly on the
// connection's writer and must flush before returning, so that
// subsequent reads see the post-reply wire state.
type OptionHandler interface {
	// HandleCommand is called for DO/DONT/WILL/WONT opt.
	HandleCommand(cmd byte, opt byte) error
	// HandleSubnegotiation is called for a completed SB...SE, with
	// payload holding the bytes strictly between them, IAC-doubles
	// already collapsed.
	HandleSubnegotiation(payload []byte) error
}

// ProtocolError reports a malformed TELNET byte sequence. It is
// always fatal to the connection it occurred on.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "telnet protocol error: " + e.Reason }

type state int

const (
	stateData state = iota
	stateIAC
	stateCommand // saw IAC CMD, need option byte for DO/DONT/WILL/WONT
	stateSubneg
	stateSubnegIAC
)

// Decoder turns a raw inbound byte stream into payload spans,
// dispatching option events to an OptionHandler along the way.
type Decoder struct {
	r       *bufio.Reader
	handler OptionHandler

	st      state
	pending byte // DO/DONT/WILL/WONT awaiting its option byte
	sub     []byte
}

// NewDecoder wraps r. handler is invoked for every option event
// encountered while pulling payload data.
func NewDecoder(r io.Reader, handler OptionHandler) *Decoder {
	return &Decoder{
		r:       bufio.NewReader(r),
		handler: handler,
		st:      stateData,
	}
}

// NextData blocks until it has at least one byte of application
// payload to return, driving the option handler synchronously for
// any option events seen first. Once it holds payload it returns as
// soon as the already-received input is used up, rather than waiting
// for more. It returns io.EOF when the underlying stream ends cleanly
// between tokens, and a *ProtocolError for malformed IAC sequences.
func (d *Decoder) NextData() ([]byte, error) {
	var out []byte
	for {
		if len(out) > 0 && d.r.Buffered() == 0 {
			return out, nil
		}
		b, err := d.r.ReadByte()
		if err != nil {
			if len(out) > 0 {
				return out, nil
			}
			return nil, err
		}

		switch d.st {
		case stateData:
			if b == IAC {
				d.st = stateIAC
				continue
			}
			out = append(out, b)

		case stateIAC:
			switch b {
			case IAC:
				// Doubled IAC in plain data: literal 0xFF.
				out = append(out, 0xFF)
				d.st = stateData
			case SB:
				d.sub = d.sub[:0]
				d.st = stateSubneg
			case DO, DONT, WILL, WONT:
				d.pending = b
				d.st = stateCommand
			default:
				return nil, &ProtocolError{Reason: fmt.Sprintf("unknown command after IAC: %d", b)}
			}

		case stateCommand:
			d.st = stateData
			if err := d.handler.HandleCommand(d.pending, b); err != nil {
				return nil, err
			}
			if len(out) > 0 {
				return out, nil
			}

		case stateSubneg:
			if b == IAC {
				d.st = stateSubnegIAC
				continue
			}
			d.sub = append(d.sub, b)

		case stateSubnegIAC:
			switch b {
			case IAC:
				d.sub = append(d.sub, 0xFF)
				d.st = stateSubneg
			case SE:
				d.st = stateData
				payload := make([]byte, len(d.sub))
				copy(payload, d.sub)
				if err := d.handler.HandleSubnegotiation(payload); err != nil {
					return nil, err
				}
				if len(out) > 0 {
					return out, nil
				}
			default:
				return nil, &ProtocolError{Reason: fmt.Sprintf("unexpected byte after IAC inside subnegotiation: %d", b)}
			}
		}
	}
}

// DriveOne reads and dispatches exactly one option event (DO/DONT/
// WILL/WONT, or a complete SB...SE), ignoring/discarding any payload
// bytes encountered first. Used during the pre-payload handshake
// phase, before any application data is expected.
func (d *Decoder) DriveOne() error {
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return err
		}

		switch d.st {
		case stateData:
			if b == IAC {
				d.st = stateIAC
				continue
			}
			// Stray payload byte before handshake completes; discard.

		case stateIAC:
			switch b {
			case IAC:
				d.st = stateData
			case SB:
				d.sub = d.sub[:0]
				d.st = stateSubneg
			case DO, DONT, WILL, WONT:
				d.pending = b
				d.st = stateCommand
			default:
				return &ProtocolError{Reason: fmt.Sprintf("unknown command after IAC: %d", b)}
			}

		case stateCommand:
			d.st = stateData
			return d.handler.HandleCommand(d.pending, b)

		case stateSubneg:
			if b == IAC {
				d.st = stateSubnegIAC
				continue
			}
			d.sub = append(d.sub, b)

		case stateSubnegIAC:
			switch b {
			case IAC:
				d.sub = append(d.sub, 0xFF)
				d.st = stateSubneg
			case SE:
				d.st = stateData
				payload := make([]byte, len(d.sub))
				copy(payload, d.sub)
				return d.handler.HandleSubnegotiation(payload)
			default:
				return &ProtocolError{Reason: fmt.Sprintf("unexpected byte after IAC inside subnegotiation: %d", b)}
			}
		}
	}
}

// EncodeCommand renders IAC <cmd> <opt>.
func EncodeCommand(cmd, opt byte) []byte {
	return []byte{IAC, cmd, opt}
}

// EncodeSubnegotiation renders IAC SB <payload, IAC-doubled> IAC SE.
func EncodeSubnegotiation(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+4)
	out = append(out, IAC, SB)
	out = append(out, EscapeIAC(payload)...)
	out = append(out, IAC, SE)
	return out
}

// EscapeIAC doubles every literal 0xFF byte in data, as required
// before it is embedded inside a subnegotiation or sent as the 8-bit
// transparent data path payload.
func EscapeIAC(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		out = append(out, b)
		if b == IAC {
			out = append(out, IAC)
		}
	}
	return out
}
