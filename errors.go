package wsmux

import (
	"errors"
	"net"
)

// Kind identifies the taxonomy of errors this package can surface, per
// spec §6/§7.
type Kind string

// The on-wire representation of an error is the UTF-8 code string itself,
// so Kind values double as wire codes.
const (
	KindPingTimeout                Kind = "PingTimeout"
	KindSocketClosedUnexpectedly   Kind = "SocketClosedUnexpectedly"
	KindSocketClosed               Kind = "SocketClosed"
	KindUnsupportedProtocolVersion Kind = "UnsupportedProtocolVersion"
	KindNoChannels                 Kind = "NoChannels"
	KindOpenChannelTimeout         Kind = "OpenChannelTimeout"
	KindOpenChannelRejected        Kind = "OpenChannelRejected"
	KindChannelNotOpen             Kind = "ChannelNotOpen"
	KindChannelClosedByPeer        Kind = "ChannelClosedByPeer"
	KindOpenChannelReuse           Kind = "OpenChannelReuse"
	KindChannelMismatch            Kind = "ChannelMismatch"
)

// knownKinds lists every Kind that can be reconstructed from a CLOSE
// payload; anything else decodes to a generic wrapped remote error.
var knownKinds = map[string]Kind{
	string(KindPingTimeout):                KindPingTimeout,
	string(KindSocketClosedUnexpectedly):    KindSocketClosedUnexpectedly,
	string(KindSocketClosed):                KindSocketClosed,
	string(KindUnsupportedProtocolVersion):  KindUnsupportedProtocolVersion,
	string(KindNoChannels):                  KindNoChannels,
	string(KindOpenChannelTimeout):          KindOpenChannelTimeout,
	string(KindOpenChannelRejected):         KindOpenChannelRejected,
	string(KindChannelNotOpen):              KindChannelNotOpen,
	string(KindChannelClosedByPeer):         KindChannelClosedByPeer,
	string(KindOpenChannelReuse):            KindOpenChannelReuse,
	string(KindChannelMismatch):             KindChannelMismatch,
}

// Error is the typed error this package returns. It optionally wraps a
// Remote error reconstructed from a peer's CLOSE payload (spec §4.4's
// CLOSE handling, §7).
type Error struct {
	Kind   Kind
	Remote *Error // non-nil when this error carries a remote-origin cause
	msg    string // free-form detail, e.g. observed idle duration
}

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

func wrapRemote(kind Kind, remote *Error) *Error {
	return &Error{Kind: kind, Remote: remote}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := string(e.Kind)
	if e.msg != "" {
		s += ": " + e.msg
	}
	if e.Remote != nil {
		s += " (remote: " + e.Remote.Error() + ")"
	}
	return s
}

// Unwrap exposes the wrapped remote error to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil || e.Remote == nil {
		return nil
	}
	return e.Remote
}

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, &wsmux.Error{Kind: wsmux.KindChannelClosedByPeer})
// matches any *Error of that Kind in the chain, including a wrapped
// Remote reached through Unwrap.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// decodeRemoteError reconstructs a remote error from a CLOSE payload,
// per spec §4.4: known codes become typed errors, anything else is
// wrapped as a generic remote error carrying the raw text.
func decodeRemoteError(payload []byte) *Error {
	if len(payload) == 0 {
		return nil
	}
	text := string(payload)
	if kind, ok := knownKinds[text]; ok {
		return newError(kind, "")
	}
	return &Error{Kind: Kind(text), msg: "remote error"}
}

// fatalKind reports whether a Kind always terminates the whole session
// rather than a single channel, per spec §7.
func fatalKind(k Kind) bool {
	switch k {
	case KindPingTimeout, KindSocketClosedUnexpectedly, KindUnsupportedProtocolVersion:
		return true
	default:
		return false
	}
}

// posixMapping is the adapter-facing translation table from spec §6.
var posixMapping = map[Kind]string{
	KindNoChannels:          "EMFILE",
	KindOpenChannelTimeout:  "ConnectionTimeout",
	KindOpenChannelRejected: "ConnectionRefused",
	KindChannelNotOpen:      "SocketClosed",
	KindChannelClosedByPeer: "ConnectionReset",
	KindOpenChannelReuse:    "AddressInUse",
}

// posixCode returns the POSIX-like code an adapter should report for a
// given Kind, or the Kind itself unchanged when no mapping applies.
func posixCode(k Kind) string {
	if code, ok := posixMapping[k]; ok {
		return code
	}
	return string(k)
}

// timeoutError mirrors smux's timeoutError: a value satisfying net.Error
// so net.Conn-shaped consumers (e.g. an http.Server using a Stream as the
// underlying connection) treat channel-level timeouts the way they treat
// any other network timeout. See smux session.go's comment on this type
// for the motivating issue (xtaci/smux#99).
type timeoutError struct{}

func (timeoutError) Error() string   { return "timeout" }
func (timeoutError) Temporary() bool { return true }
func (timeoutError) Timeout() bool   { return true }

// ErrTimeout is returned by Stream.Read when its read deadline elapses.
// Write and Open do not consult a deadline and never return it.
var ErrTimeout net.Error = timeoutError{}

// ErrClosedPipe is returned by operations on a Stream after it has been
// destroyed.
var ErrClosedPipe = errors.New("wsmux: use of closed channel")
