package wsmux

import "time"

const (
	defaultMaxChannels    = 65535
	defaultKeepAlive      = 10 * time.Second
	defaultOpenAckTimeout = 5 * time.Second
	defaultAcceptBacklog  = 1024 // sized like smux's defaultAcceptBacklog
)

// Logger is the logging seam this package depends on, adopted verbatim
// from wsmux.Config's Logger/nilLogger split so a host application can
// wire *log.Logger, a zap SugaredLogger, or any adapter without pulling a
// logging library into this module's own dependency set.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Config configures a Session, per spec §6's multiplexer options table.
type Config struct {
	// Reference is an opaque label surfaced in logs/diagnostics only.
	Reference string

	// MaxChannels caps the number of simultaneously open channels.
	MaxChannels int

	// KeepAlive is the ping period.
	KeepAlive time.Duration

	// AliveThreshold is the pong-idle cap; must exceed KeepAlive.
	AliveThreshold time.Duration

	// Log receives diagnostic output; defaults to a no-op.
	Log Logger
}

// DefaultConfig returns a Config with spec §6's defaults applied.
func DefaultConfig() *Config {
	return &Config{
		MaxChannels:    defaultMaxChannels,
		KeepAlive:      defaultKeepAlive,
		AliveThreshold: 2 * defaultKeepAlive,
		Log:            nopLogger{},
	}
}

// normalize fills in zero-valued fields with defaults and validates the
// AliveThreshold > KeepAlive constraint from spec §4.5. MaxChannels is
// deliberately exempt from zero-means-unset treatment: spec §8 requires
// max_channels = 0 to be a configurable, meaningful value (it yields
// NoChannels on every allocation), so only a negative value is treated
// as unset here.
func (c *Config) normalize() *Config {
	out := *c
	if out.MaxChannels < 0 {
		out.MaxChannels = defaultMaxChannels
	}
	if out.KeepAlive <= 0 {
		out.KeepAlive = defaultKeepAlive
	}
	if out.AliveThreshold <= out.KeepAlive {
		out.AliveThreshold = 2 * out.KeepAlive
	}
	if out.Log == nil {
		out.Log = nopLogger{}
	}
	return &out
}

// OpenOptions configures a call to Session.OpenChannel, per spec §4.4 and
// the adapter options table in §6.
type OpenOptions struct {
	// DstChannel, when non-zero, means the caller is accepting a
	// previously observed peer channel rather than initiating one.
	DstChannel uint32

	// Timeout is the ack-wait deadline in an initiating open; ignored
	// when DstChannel is set. Defaults to 5000ms.
	Timeout time.Duration
}

func (o OpenOptions) timeoutOrDefault() time.Duration {
	if o.Timeout <= 0 {
		return defaultOpenAckTimeout
	}
	return o.Timeout
}

// SessionHandler receives session-level notifications (spec §4.4/§4.5/§8's
// "emit connection/error/close"). Go has no built-in multi-listener
// EventEmitter; a single registered handler invoked in the documented
// order is this module's idiomatic rendition, the same shape as
// wsmux.Config's single RemoteCloseCallback seam.
type SessionHandler interface {
	// OnConnection is invoked, never reentrantly, when a peer-initiated
	// OPEN is accepted and a new Stream is ready.
	OnConnection(s *Stream)
	// OnError is invoked before OnClose when the session terminates
	// with a fatal error (PingTimeout, SocketClosedUnexpectedly,
	// UnsupportedProtocolVersion).
	OnError(err error)
	// OnClose is invoked exactly once, always last, when the session
	// terminates for any reason.
	OnClose()
}
