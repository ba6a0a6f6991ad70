package dhcpd

import "github.com/AdguardTeam/golibs/errors"

const (
	// errMalformedMessage is returned by parseV4 for a datagram that cannot
	// be decoded as a DHCPv4 message: short header, bad magic cookie, or an
	// option whose declared length exceeds the remaining bytes.
	errMalformedMessage errors.Error = "malformed message"

	// errUnsupportedHardware is returned by parseV4 for messages with a
	// hardware type other than Ethernet or a hardware address length other
	// than six.
	errUnsupportedHardware errors.Error = "unsupported hardware"

	// errPoolExhausted is returned when the pool has no assignable address
	// for a new client.
	errPoolExhausted errors.Error = "no addresses available"

	// errConflictingBinding is returned by the lease table when an offer is
	// recorded for a client already bound to a different address.
	errConflictingBinding errors.Error = "conflicting binding"

	// errNoMatchingOffer is returned by the lease table when a confirmation
	// has no pending offer to match.
	errNoMatchingOffer errors.Error = "no matching offer"

	// errBlocked is returned for clients whose hardware address is present
	// in the blocklist.
	errBlocked errors.Error = "hardware address is blocked"
)
