package dhcpd

import (
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// macKeyLen is the length of a valid EUI-48 hardware address.
const macKeyLen = 6

// macKey is a comparable form of a hardware address used as a map key.
type macKey [macKeyLen]byte

// macToKey converts mac into a macKey.  mac must be a valid EUI-48 address.
func macToKey(mac net.HardwareAddr) (mk macKey) {
	copy(mk[:], mac)

	return mk
}

// leaseState is the state of a single lease table entry.
type leaseState uint8

const (
	// leaseStateOffered is the state of an address offered to a client and
	// not yet confirmed by a request.
	leaseStateOffered leaseState = iota

	// leaseStateBound is the state of an address confirmed and in use by a
	// client until the expiry.
	leaseStateBound
)

// String implements the [fmt.Stringer] interface for leaseState.
func (st leaseState) String() (s string) {
	switch st {
	case leaseStateOffered:
		return "offered"
	case leaseStateBound:
		return "bound"
	default:
		return "invalid"
	}
}

// lease is a pending offer or an active binding of a single client.
type lease struct {
	// Expiry is the expiration time of the lease.  Only meaningful in the
	// bound state.
	Expiry time.Time

	// OfferedAt is the time the offer was recorded.  Only meaningful in the
	// offered state.
	OfferedAt time.Time

	// IP is the address offered or leased to the client.
	IP netip.Addr

	// HWAddr is the hardware address of the client.
	HWAddr net.HardwareAddr

	// Duration is the negotiated lease duration, used for binding and
	// renewal.
	Duration time.Duration

	// XID is the transaction ID of the last message that modified the
	// entry.
	XID dhcpv4.TransactionID

	// State is the current state of the entry.
	State leaseState
}

// clone returns a deep copy of l.
func (l *lease) clone() (c *lease) {
	if l == nil {
		return nil
	}

	c = &lease{}
	*c = *l
	c.HWAddr = slices.Clone(l.HWAddr)

	return c
}

// remaining returns the time left until the entry is reclaimed: the lease
// expiry for bound entries and the offer grace deadline for offered ones.
func (l *lease) remaining(now time.Time, grace time.Duration) (d time.Duration) {
	switch l.State {
	case leaseStateBound:
		return l.Expiry.Sub(now)
	default:
		return l.OfferedAt.Add(grace).Sub(now)
	}
}

// leaseTable is the in-memory table of pending offers and active bindings,
// keyed by the client hardware address.  There is at most one entry per
// client.  All methods must only be called with the server's leasesMu held.
type leaseTable struct {
	leases map[macKey]*lease
}

// newLeaseTable returns a new empty lease table.
func newLeaseTable() (t *leaseTable) {
	return &leaseTable{
		leases: map[macKey]*lease{},
	}
}

// byMAC returns the entry for mk, if any.
func (t *leaseTable) byMAC(mk macKey) (l *lease) {
	return t.leases[mk]
}

// recordOffer creates or replaces the entry for mk with a pending offer of
// ip.  It returns errConflictingBinding if mk is already bound to a
// different address.
func (t *leaseTable) recordOffer(
	mk macKey,
	mac net.HardwareAddr,
	ip netip.Addr,
	dur time.Duration,
	xid dhcpv4.TransactionID,
	now time.Time,
) (err error) {
	if l, ok := t.leases[mk]; ok && l.State == leaseStateBound && l.IP != ip {
		return errConflictingBinding
	}

	t.leases[mk] = &lease{
		OfferedAt: now,
		IP:        ip,
		HWAddr:    slices.Clone(mac),
		Duration:  dur,
		XID:       xid,
		State:     leaseStateOffered,
	}

	return nil
}

// confirm turns the pending offer for mk into a binding and returns it.  It
// returns errNoMatchingOffer if there is no entry for mk, and
// errConflictingBinding if the entry's address differs from ip.
func (t *leaseTable) confirm(
	mk macKey,
	ip netip.Addr,
	xid dhcpv4.TransactionID,
	now time.Time,
) (l *lease, err error) {
	l, ok := t.leases[mk]
	if !ok {
		return nil, errNoMatchingOffer
	}

	if l.IP != ip {
		return nil, errConflictingBinding
	}

	l.State = leaseStateBound
	l.Expiry = now.Add(l.Duration)
	l.XID = xid

	return l, nil
}

// remove deletes the entry for mk and returns it, if any.
func (t *leaseTable) remove(mk macKey) (l *lease) {
	l, ok := t.leases[mk]
	if !ok {
		return nil
	}

	delete(t.leases, mk)

	return l
}

// countBound returns the number of entries in the bound state.
func (t *leaseTable) countBound() (n int) {
	for _, l := range t.leases {
		if l.State == leaseStateBound {
			n++
		}
	}

	return n
}

// snapshot returns deep copies of all entries.
func (t *leaseTable) snapshot() (leases []*lease) {
	leases = make([]*lease, 0, len(t.leases))
	for _, l := range t.leases {
		leases = append(leases, l.clone())
	}

	return leases
}
