package dhcpd

import (
	"net"
	"net/netip"
	"slices"
	"time"
)

// unassignedHolder is the holder value of an allocation view row for an
// address that is currently in the pool.
const unassignedHolder = "unassigned"

// AllocationRow is a single row of the allocation view: one configured pool
// address and its current holder.
type AllocationRow struct {
	// IP is the pool address.
	IP netip.Addr `json:"ip"`

	// Holder is the textual hardware address of the client holding the
	// address, or "unassigned".
	Holder string `json:"holder"`

	// State is "offered", "bound", or empty for unassigned addresses.
	State string `json:"state,omitempty"`

	// RemainingSeconds is the time left until the address is reclaimed.
	// Zero for unassigned addresses.
	RemainingSeconds uint32 `json:"remaining_seconds"`
}

// refreshViewLocked rebuilds the allocation view snapshot.  It must only be
// called with leasesMu held.
func (s *Server) refreshViewLocked(now time.Time) {
	grace := s.conf.pendingOfferGrace()

	byIP := make(map[netip.Addr]*lease, len(s.table.leases))
	for _, l := range s.table.leases {
		byIP[l.IP] = l
	}

	rows := make([]AllocationRow, 0, len(s.pool.all))
	for _, ip := range s.pool.all {
		row := AllocationRow{
			IP:     ip,
			Holder: unassignedHolder,
		}

		if l, ok := byIP[ip]; ok {
			row.Holder = l.HWAddr.String()
			row.State = l.State.String()
			if rem := l.remaining(now, grace); rem > 0 {
				row.RemainingSeconds = uint32(rem.Seconds())
			}
		}

		rows = append(rows, row)
	}

	s.view = rows
}

// AllocationView returns the current allocation snapshot, one row per
// configured pool address.  The snapshot is refreshed on every tick of the
// expiration scanner.  It is safe for concurrent use; callers must not
// modify the rows.
func (s *Server) AllocationView() (rows []AllocationRow) {
	s.leasesMu.Lock()
	defer s.leasesMu.Unlock()

	return slices.Clone(s.view)
}

// PoolAddrs returns the current contents of the address pool, in order.  It
// is safe for concurrent use.
func (s *Server) PoolAddrs() (addrs []netip.Addr) {
	s.leasesMu.Lock()
	defer s.leasesMu.Unlock()

	return s.pool.addrs()
}

// Leases returns deep copies of the current lease table entries in no
// particular order.  It is safe for concurrent use.
func (s *Server) Leases() (leases []*Lease) {
	s.leasesMu.Lock()
	defer s.leasesMu.Unlock()

	for _, l := range s.table.snapshot() {
		leases = append(leases, &Lease{
			Expiry:   l.Expiry,
			IP:       l.IP,
			HWAddr:   l.HWAddr,
			IsBound:  l.State == leaseStateBound,
			Duration: l.Duration,
		})
	}

	return leases
}

// Lease is the public form of a lease table entry, used by the operator
// API.
type Lease struct {
	// Expiry is the expiration time of the lease.  Only meaningful for
	// bound leases.
	Expiry time.Time

	// IP is the address offered or leased to the client.
	IP netip.Addr

	// HWAddr is the hardware address of the client.
	HWAddr net.HardwareAddr

	// Duration is the negotiated lease duration.
	Duration time.Duration

	// IsBound is true for confirmed bindings and false for pending offers.
	IsBound bool
}
