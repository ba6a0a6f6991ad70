package dhcpd

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/AdguardTeam/golibs/validate"
)

// Config is the DHCP server configuration.  All fields are read-only after
// [New].
type Config struct {
	// Logger is used to log the DHCP events.  It must not be nil.
	Logger *slog.Logger

	// Clock is used to get the current time for lease expiry.  It must not
	// be nil.
	Clock timeutil.Clock

	// ServerIP is the address the server advertises as its identifier in
	// option 54.  It must be a valid IPv4 address.
	ServerIP netip.Addr

	// InterfaceName is the name of the network interface to bind to.  An
	// empty string means all interfaces.
	InterfaceName string

	// LeaseDuration is the default TTL of a lease, used when a client
	// requests none.  It must be positive.
	LeaseDuration time.Duration

	// PendingOfferGrace is how long an unconfirmed offer is kept before the
	// scanner reclaims its address.  Zero means LeaseDuration.
	PendingOfferGrace time.Duration

	// PoolFilePath is the path to the file with assignable addresses, one
	// dotted-quad per line.  It must not be empty.
	PoolFilePath string

	// BlocklistFilePath is the path to the file with forbidden hardware
	// addresses, one per line.  It may be empty to disable the blocklist.
	BlocklistFilePath string

	// SubnetMask is advertised as option 1.  It must be a valid IPv4
	// address.
	SubnetMask netip.Addr

	// Router is advertised as option 3.  It must be a valid IPv4 address.
	Router netip.Addr

	// DNSServers are advertised as option 6.  It must not be empty.
	DNSServers []netip.Addr

	// DomainName is advertised as option 15.  It must not be empty.
	DomainName string

	// BroadcastAddr is advertised as option 28.  It must be a valid IPv4
	// address.
	BroadcastAddr netip.Addr

	// Options are the operator-configured custom options in the
	// "CODE ip|ips|text|hex VALUE" form.  Invalid entries are logged and
	// skipped.
	Options []string
}

// type check
var _ validate.Interface = (*Config)(nil)

// newMustErr returns an error that indicates that valName must be as
// described in msg.
func newMustErr(valName, msg string, val fmt.Stringer) (err error) {
	return fmt.Errorf("%s %s must %s", valName, val, msg)
}

// Validate implements the [validate.Interface] interface for *Config.
func (c *Config) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	errs := []error{
		validate.NotNil("logger", c.Logger),
		validate.NotNilInterface("clock", c.Clock),
		validate.Positive("lease duration", c.LeaseDuration),
		validate.NotNegative("pending offer grace", c.PendingOfferGrace),
		validate.NotEmpty("pool file path", c.PoolFilePath),
		validate.NotEmpty("domain name", c.DomainName),
	}

	if len(c.DNSServers) == 0 {
		errs = append(errs, fmt.Errorf("dns servers: %w", errors.ErrEmptyValue))
	}

	for _, ipc := range []struct {
		addr netip.Addr
		name string
	}{{
		addr: c.ServerIP,
		name: "server ip",
	}, {
		addr: c.SubnetMask,
		name: "subnet mask",
	}, {
		addr: c.Router,
		name: "router",
	}, {
		addr: c.BroadcastAddr,
		name: "broadcast address",
	}} {
		if !ipc.addr.Is4() {
			errs = append(errs, newMustErr(ipc.name, "be a valid ipv4", ipc.addr))
		}
	}

	for i, dns := range c.DNSServers {
		if !dns.Is4() {
			errs = append(errs, fmt.Errorf("dns servers: at index %d: %s is not an ipv4", i, dns))
		}
	}

	return errors.Join(errs...)
}

// pendingOfferGrace returns the effective lifetime of an unconfirmed offer.
func (c *Config) pendingOfferGrace() (d time.Duration) {
	if c.PendingOfferGrace > 0 {
		return c.PendingOfferGrace
	}

	return c.LeaseDuration
}
