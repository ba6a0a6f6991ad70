package dhcpd

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
)

// statusResponse is the JSON answer of the status handler, consumed by the
// operator frontend.
type statusResponse struct {
	// Allocations is the allocation view, one row per configured pool
	// address.
	Allocations []AllocationRow `json:"allocations"`

	// Pool is the current free list, in order.
	Pool []string `json:"pool"`

	// Leases are the current lease table entries.
	Leases []leaseJSON `json:"leases"`
}

// leaseJSON is the JSON form of a lease.
type leaseJSON struct {
	Expires string `json:"expires,omitempty"`
	IP      string `json:"ip"`
	MAC     string `json:"mac"`
	Bound   bool   `json:"bound"`
}

// RegisterHTTPHandlers registers the operator API handlers on mux.
func (s *Server) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /control/dhcp/status", s.handleStatus)
}

// handleStatus is the handler for the GET /control/dhcp/status HTTP API.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := &statusResponse{
		Allocations: s.AllocationView(),
		// Use an empty slice here as opposed to nil so that it doesn't
		// write "null" into the response if the pool is exhausted.
		Pool:   []string{},
		Leases: []leaseJSON{},
	}

	for _, ip := range s.PoolAddrs() {
		resp.Pool = append(resp.Pool, ip.String())
	}

	for _, l := range s.Leases() {
		lj := leaseJSON{
			IP:    l.IP.String(),
			MAC:   l.HWAddr.String(),
			Bound: l.IsBound,
		}
		if l.IsBound {
			lj.Expires = l.Expiry.Format(time.RFC3339)
		}

		resp.Leases = append(resp.Leases, lj)
	}

	w.Header().Set("Content-Type", "application/json")

	err := json.NewEncoder(w).Encode(resp)
	if err != nil {
		s.logger.ErrorContext(
			context.WithoutCancel(r.Context()),
			"writing status response",
			slogutil.KeyError, err,
		)
	}
}
