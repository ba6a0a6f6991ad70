package dhcpd

import (
	"context"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
)

// scanInterval is the cadence of the expiration scanner.  It must be short
// enough for a one-second lease to be observed as expired within two
// seconds.
const scanInterval = 1 * time.Second

// scanLoop runs the expiration scanner until the server is shut down.  It
// is a dedicated goroutine and never shares the handler path, so a slow
// handler cannot delay expiration.
func (s *Server) scanLoop(ctx context.Context) {
	defer s.wg.Done()
	defer slogutil.RecoverAndLog(ctx, s.logger)

	t := time.NewTicker(scanInterval)
	defer t.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.scanExpired(ctx)
		}
	}
}

// scanExpired reclaims expired bindings and stale unconfirmed offers,
// returning their addresses to the pool, and refreshes the allocation view.
func (s *Server) scanExpired(ctx context.Context) {
	now := s.clock.Now()
	grace := s.conf.pendingOfferGrace()

	s.leasesMu.Lock()
	defer s.leasesMu.Unlock()

	var reclaimed int
	for mk, l := range s.table.leases {
		switch l.State {
		case leaseStateBound:
			if l.Expiry.After(now) {
				continue
			}
		case leaseStateOffered:
			if now.Sub(l.OfferedAt) <= grace {
				continue
			}
		}

		delete(s.table.leases, mk)
		s.pool.put(l.IP)
		reclaimed++

		metricExpiredTotal.Inc()
		s.logger.InfoContext(ctx, "expire", "ip", l.IP, "mac", l.HWAddr, "state", l.State)
	}

	if reclaimed > 0 {
		s.pool.persist(ctx, s.logger)
		metricLeasesActive.Set(float64(s.table.countBound()))
	}

	metricPoolAvailable.Set(float64(len(s.pool.free)))
	s.refreshViewLocked(now)
}
