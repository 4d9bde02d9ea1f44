package session

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/srdgame/libplctag-sub000/eip"
	"github.com/srdgame/libplctag-sub000/status"
)

// Family is the controller family a session talks to.
type Family int

const (
	FamilyLogix Family = iota
	FamilyMicro800
)

// String returns the canonical attribute value for f.
func (f Family) String() string {
	switch f {
	case FamilyLogix:
		return "controllogix"
	case FamilyMicro800:
		return "micro800"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// NeedsPath reports whether a route path is mandatory for f.
func (f Family) NeedsPath() bool {
	return f == FamilyLogix
}

// ParseFamily maps a cpu/plc attribute value to a Family. DH+ and PCCC
// families are recognized but not supported.
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "controllogix", "compactlogix", "contrologix", "lgx", "logix", "clgx":
		return FamilyLogix, nil
	case "micro800", "micro8xx", "m8xx", "micro850":
		return FamilyMicro800, nil
	case "plc5", "plc", "slc", "slc500", "mlgx", "micrologix", "lgxpccc", "logixpccc":
		return 0, fmt.Errorf("plc family %q: %w", s, status.ErrUnsupported)
	case "":
		return 0, fmt.Errorf("plc family is required: %w", status.ErrBadParam)
	default:
		return 0, fmt.Errorf("unknown plc family %q: %w", s, status.ErrBadDevice)
	}
}

// Options configures a Session. Zero values take the defaults below.
type Options struct {
	// Gateway is host or host:port of the first EtherNet/IP hop.
	Gateway string
	// Path is the comma separated route from the gateway to the controller.
	Path   string
	Family Family
	// Connected selects connected messaging through a ForwardOpen.
	Connected bool

	Dialer         Dialer
	ConnectTimeout time.Duration

	// RetryBackoff is the wait between reconnect attempts.
	RetryBackoff time.Duration
	// MaxConsecutiveFailures reconnect attempts fail before the session
	// gives up for good.
	MaxConsecutiveFailures int

	// RetryBudget is the number of sends a request gets before it times out.
	RetryBudget int
	RTTFloor    time.Duration
	InitialRTT  time.Duration

	MaxConnectedInFlight   int
	MaxUnconnectedInFlight int
}

const (
	DefaultConnectTimeout         = 5 * time.Second
	DefaultRetryBackoff           = time.Second
	DefaultMaxConsecutiveFailures = 5
	DefaultRetryBudget            = 3
	DefaultRTTFloor               = 10 * time.Millisecond
	DefaultInitialRTT             = 100 * time.Millisecond
	DefaultMaxConnectedInFlight   = 4
	DefaultMaxUnconnectedInFlight = 8
)

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = TCPDialer{}
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.MaxConsecutiveFailures <= 0 {
		o.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if o.RetryBudget <= 0 {
		o.RetryBudget = DefaultRetryBudget
	}
	if o.RTTFloor <= 0 {
		o.RTTFloor = DefaultRTTFloor
	}
	if o.InitialRTT <= 0 {
		o.InitialRTT = DefaultInitialRTT
	}
	if o.MaxConnectedInFlight <= 0 {
		o.MaxConnectedInFlight = DefaultMaxConnectedInFlight
	}
	if o.MaxUnconnectedInFlight <= 0 {
		o.MaxUnconnectedInFlight = DefaultMaxUnconnectedInFlight
	}
	return o
}

// Key identifies sessions that may be shared between tags.
func (o Options) Key() string {
	return fmt.Sprintf("%s|%s|%s|%t", o.Family, o.address(), strings.ReplaceAll(o.Path, " ", ""), o.Connected)
}

// address returns host:port, adding the default EtherNet/IP port.
func (o Options) address() string {
	gw := strings.TrimSpace(o.Gateway)
	if _, _, err := net.SplitHostPort(gw); err == nil {
		return gw
	}
	return net.JoinHostPort(gw, strconv.Itoa(eip.DefaultPort))
}

func validateGateway(gw string) error {
	gw = strings.TrimSpace(gw)
	if gw == "" {
		return fmt.Errorf("gateway is required: %w", status.ErrBadGateway)
	}
	if host, port, err := net.SplitHostPort(gw); err == nil {
		if host == "" {
			return fmt.Errorf("gateway %q has no host: %w", gw, status.ErrBadGateway)
		}
		if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
			return fmt.Errorf("gateway %q has bad port: %w", gw, status.ErrBadGateway)
		}
	} else if strings.Count(gw, ":") == 1 {
		return fmt.Errorf("gateway %q: %w", gw, status.ErrBadGateway)
	}
	return nil
}
