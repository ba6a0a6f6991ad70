package dhcpd

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/insomniacslk/dhcp/dhcpv4"
)

// serveDatagram decodes and handles a single datagram.  It never propagates
// errors to the listener: every datagram ends with at most one log line and
// at most one reply.
func (s *Server) serveDatagram(ctx context.Context, data []byte, peer net.Addr) {
	defer slogutil.RecoverAndLog(ctx, s.logger)

	req, err := parseV4(data)
	if err != nil {
		metricMalformedTotal.Inc()

		msg := "malformed packet"
		if errors.Is(err, errUnsupportedHardware) {
			msg = "unsupported hardware"
		}

		s.logger.InfoContext(ctx, msg, "peer", peer, slogutil.KeyError, err)

		return
	}

	if req.OpCode != dhcpv4.OpcodeBootRequest {
		s.logger.DebugContext(ctx, "skipping non-request packet", "op", req.OpCode)

		return
	}

	resp := s.handleMessage(ctx, req)
	if resp == nil {
		return
	}

	s.send(ctx, req, resp)
}

// handleMessage dispatches req on its message type.  resp is nil when no
// reply should be sent.
func (s *Server) handleMessage(ctx context.Context, req *dhcpv4.DHCPv4) (resp *dhcpv4.DHCPv4) {
	typ := req.MessageType()
	metricMessagesTotal.WithLabelValues(typ.String()).Inc()

	switch typ {
	case dhcpv4.MessageTypeDiscover:
		return s.handleDiscover(ctx, req)
	case dhcpv4.MessageTypeRequest:
		return s.handleRequest(ctx, req)
	case dhcpv4.MessageTypeDecline:
		return s.handleDecline(ctx, req)
	case dhcpv4.MessageTypeRelease:
		return s.handleRelease(ctx, req)
	case dhcpv4.MessageTypeInform:
		return s.handleInform(ctx, req)
	default:
		s.logger.InfoContext(ctx, "invalid message type", "type", typ, "mac", req.ClientHWAddr)

		return nil
	}
}

// leaseDuration returns the lease duration to use for req: the requested
// lease time if the client sent a sensible one, the configured default
// otherwise.
func (s *Server) leaseDuration(req *dhcpv4.DHCPv4) (dur time.Duration) {
	dur = req.IPAddressLeaseTime(s.conf.LeaseDuration)
	if dur <= 0 {
		return s.conf.LeaseDuration
	}

	return dur
}

// handleDiscover handles messages of type DHCPDISCOVER.
//
// See https://datatracker.ietf.org/doc/html/rfc2131#section-4.3.1.
func (s *Server) handleDiscover(ctx context.Context, req *dhcpv4.DHCPv4) (resp *dhcpv4.DHCPv4) {
	mac := req.ClientHWAddr
	mk := macToKey(mac)

	if s.blocklist.has(ctx, mac) {
		s.logger.WarnContext(ctx, "blocklist hit", "mac", mac)
		s.dropLease(ctx, mk)

		return s.nak(ctx, req, naksBlocked, string(errBlocked))
	}

	reqIP, _ := requestedIP(req)
	dur := s.leaseDuration(req)
	now := s.clock.Now()

	s.leasesMu.Lock()
	defer s.leasesMu.Unlock()

	if l := s.table.byMAC(mk); l != nil {
		matches := !reqIP.IsValid() || reqIP == l.IP

		if l.State == leaseStateBound {
			if !matches {
				s.logger.WarnContext(
					ctx,
					"conflicting discover",
					"mac", mac,
					"requested", reqIP,
					"bound", l.IP,
				)

				return s.nak(ctx, req, naksConflict, string(errConflictingBinding))
			}

			// Re-emit an offer for the bound address without touching the
			// binding, so that a stray discover cannot shorten or detach
			// the lease expiry.  A follow-up request is handled as a
			// renewal.
			s.logger.InfoContext(ctx, "offer", "ip", l.IP, "mac", mac, "xid", req.TransactionID)

			return s.buildLeaseReply(ctx, req, dhcpv4.MessageTypeOffer, l.IP, l.Duration)
		}

		if matches {
			// Re-offer the already reserved address without touching the
			// pool, so that retransmitted discovers are idempotent.
			err := s.table.recordOffer(mk, mac, l.IP, dur, req.TransactionID, now)
			if err != nil {
				// Shouldn't happen, since the entry is not bound.
				s.logger.ErrorContext(ctx, "re-offering", slogutil.KeyError, err)

				return s.nak(ctx, req, naksConflict, string(errConflictingBinding))
			}

			s.logger.InfoContext(ctx, "offer", "ip", l.IP, "mac", mac, "xid", req.TransactionID)

			return s.buildLeaseReply(ctx, req, dhcpv4.MessageTypeOffer, l.IP, dur)
		}

		// The client changed its mind about the address.  Discard the old
		// offer and allocate anew.
		old := s.table.remove(mk)
		s.pool.put(old.IP)
	}

	ip, ok := s.pool.take(reqIP)
	if !ok {
		s.logger.WarnContext(ctx, "pool empty", "mac", mac)

		return s.nak(ctx, req, naksPoolExhausted, string(errPoolExhausted))
	}

	err := s.table.recordOffer(mk, mac, ip, dur, req.TransactionID, now)
	if err != nil {
		// Shouldn't happen, since the entry for mk is absent here.
		s.pool.put(ip)
		s.logger.ErrorContext(ctx, "recording offer", slogutil.KeyError, err)

		return s.nak(ctx, req, naksConflict, string(errConflictingBinding))
	}

	s.pool.persist(ctx, s.logger)
	s.logger.InfoContext(ctx, "offer", "ip", ip, "mac", mac, "xid", req.TransactionID)

	return s.buildLeaseReply(ctx, req, dhcpv4.MessageTypeOffer, ip, dur)
}

// requestTarget returns the address req asks to be bound to: the requested
// IP address option when present, the client's own address field otherwise.
func requestTarget(req *dhcpv4.DHCPv4) (ip netip.Addr, ok bool) {
	if ip, ok = requestedIP(req); ok && !ip.IsUnspecified() {
		return ip, true
	}

	if ip, ok = addrFromIP(req.ClientIPAddr); ok && !ip.IsUnspecified() {
		return ip, true
	}

	return netip.Addr{}, false
}

// handleRequest handles messages of type DHCPREQUEST: both the confirmation
// of a previously offered address and the renewal of an existing binding.
//
// See https://datatracker.ietf.org/doc/html/rfc2131#section-4.3.2.
func (s *Server) handleRequest(ctx context.Context, req *dhcpv4.DHCPv4) (resp *dhcpv4.DHCPv4) {
	mac := req.ClientHWAddr
	mk := macToKey(mac)

	if s.blocklist.has(ctx, mac) {
		s.logger.WarnContext(ctx, "blocklist hit", "mac", mac)
		s.dropLease(ctx, mk)

		return s.nak(ctx, req, naksBlocked, string(errBlocked))
	}

	target, ok := requestTarget(req)
	if !ok {
		s.logger.InfoContext(ctx, "request without target address", "mac", mac)

		return s.nak(ctx, req, naksNoOffer, string(errNoMatchingOffer))
	}

	now := s.clock.Now()

	s.leasesMu.Lock()
	defer s.leasesMu.Unlock()

	l := s.table.byMAC(mk)
	if l == nil {
		s.logger.InfoContext(ctx, "request without offer", "mac", mac, "requested", target)

		return s.nak(ctx, req, naksNoOffer, string(errNoMatchingOffer))
	}

	if l.State == leaseStateBound {
		if l.IP != target {
			s.logger.WarnContext(
				ctx,
				"conflicting request",
				"mac", mac,
				"requested", target,
				"bound", l.IP,
			)

			return s.nak(ctx, req, naksConflict, string(errConflictingBinding))
		}

		// Renewal.  Refresh the expiry using the duration negotiated on the
		// last offer and take the retransmitted transaction ID.
		l.Expiry = now.Add(l.Duration)
		l.XID = req.TransactionID

		s.logger.InfoContext(ctx, "ack", "ip", l.IP, "mac", mac, "renewed", true)

		return s.buildLeaseReply(ctx, req, dhcpv4.MessageTypeAck, l.IP, l.Duration)
	}

	if l.IP != target {
		// A request for a different address discards the pending offer.
		old := s.table.remove(mk)
		s.pool.put(old.IP)
		s.pool.persist(ctx, s.logger)

		s.logger.WarnContext(
			ctx,
			"mismatched request",
			"mac", mac,
			"requested", target,
			"offered", old.IP,
		)

		return s.nak(ctx, req, naksNoOffer, string(errNoMatchingOffer))
	}

	l, err := s.table.confirm(mk, target, req.TransactionID, now)
	if err != nil {
		// Shouldn't happen, since the offer has just been checked.
		s.logger.ErrorContext(ctx, "confirming binding", slogutil.KeyError, err)

		return s.nak(ctx, req, naksNoOffer, err.Error())
	}

	metricLeasesActive.Set(float64(s.table.countBound()))
	s.logger.InfoContext(ctx, "ack", "ip", l.IP, "mac", mac, "xid", req.TransactionID)

	return s.buildLeaseReply(ctx, req, dhcpv4.MessageTypeAck, l.IP, l.Duration)
}

// dropLease removes any entry for mk and returns its address to the pool.
// It is used to keep no state for blocklisted clients.
func (s *Server) dropLease(ctx context.Context, mk macKey) {
	s.leasesMu.Lock()
	defer s.leasesMu.Unlock()

	l := s.table.remove(mk)
	if l == nil {
		return
	}

	s.pool.put(l.IP)
	s.pool.persist(ctx, s.logger)
	metricLeasesActive.Set(float64(s.table.countBound()))
}

// handleDecline handles messages of type DHCPDECLINE.  The client reports
// the offered or bound address to be in use elsewhere; the address is
// reclaimed into the pool and no reply is sent.
func (s *Server) handleDecline(ctx context.Context, req *dhcpv4.DHCPv4) (resp *dhcpv4.DHCPv4) {
	mac := req.ClientHWAddr
	mk := macToKey(mac)

	s.leasesMu.Lock()
	defer s.leasesMu.Unlock()

	l := s.table.remove(mk)
	if l == nil {
		s.logger.DebugContext(ctx, "decline for unknown client", "mac", mac)

		return nil
	}

	s.pool.put(l.IP)
	s.pool.persist(ctx, s.logger)
	metricLeasesActive.Set(float64(s.table.countBound()))

	s.logger.InfoContext(ctx, "decline", "ip", l.IP, "mac", mac)

	return nil
}

// handleRelease handles messages of type DHCPRELEASE.  Only an active
// binding is released; a pending offer is left for the scanner.  No reply
// is sent.
func (s *Server) handleRelease(ctx context.Context, req *dhcpv4.DHCPv4) (resp *dhcpv4.DHCPv4) {
	mac := req.ClientHWAddr
	mk := macToKey(mac)

	s.leasesMu.Lock()
	defer s.leasesMu.Unlock()

	l := s.table.byMAC(mk)
	if l == nil || l.State != leaseStateBound {
		s.logger.DebugContext(ctx, "release for unknown client", "mac", mac)

		return nil
	}

	s.table.remove(mk)
	s.pool.put(l.IP)
	s.pool.persist(ctx, s.logger)
	metricLeasesActive.Set(float64(s.table.countBound()))

	s.logger.InfoContext(ctx, "release", "ip", l.IP, "mac", mac)

	return nil
}

// handleInform handles messages of type DHCPINFORM.  The client already has
// an address and asks for configuration parameters only: the reply carries
// no lease and creates no binding.
func (s *Server) handleInform(ctx context.Context, req *dhcpv4.DHCPv4) (resp *dhcpv4.DHCPv4) {
	resp, err := s.newReply(req, dhcpv4.MessageTypeAck)
	if err != nil {
		s.logger.ErrorContext(ctx, "building inform reply", slogutil.KeyError, err)

		return nil
	}

	resp.ClientIPAddr = req.ClientIPAddr
	s.updateOptions(resp)
	metricRepliesTotal.WithLabelValues(dhcpv4.MessageTypeAck.String()).Inc()

	s.logger.InfoContext(ctx, "ack", "mac", req.ClientHWAddr, "inform", true)

	return resp
}

// buildLeaseReply builds an OFFER or ACK reply assigning ip to the client
// for dur, with the renewal and rebinding timers and the configured network
// options.
func (s *Server) buildLeaseReply(
	ctx context.Context,
	req *dhcpv4.DHCPv4,
	mt dhcpv4.MessageType,
	ip netip.Addr,
	dur time.Duration,
) (resp *dhcpv4.DHCPv4) {
	resp, err := s.newReply(req, mt)
	if err != nil {
		s.logger.ErrorContext(ctx, "building reply", slogutil.KeyError, err)

		return nil
	}

	resp.YourIPAddr = ip.AsSlice()
	resp.UpdateOption(dhcpv4.OptIPAddressLeaseTime(dur))
	resp.UpdateOption(dhcpv4.Option{
		Code:  dhcpv4.OptionRenewTimeValue,
		Value: dhcpv4.Duration(dur / 2),
	})
	resp.UpdateOption(dhcpv4.Option{
		Code:  dhcpv4.OptionRebindingTimeValue,
		Value: dhcpv4.Duration(dur * 7 / 8),
	})
	s.updateOptions(resp)

	metricRepliesTotal.WithLabelValues(mt.String()).Inc()

	return resp
}

// NAK reason labels for metrics.
const (
	naksBlocked       = "blocked"
	naksConflict      = "conflict"
	naksNoOffer       = "no_offer"
	naksPoolExhausted = "pool_exhausted"
)

// nak builds a DHCPNAK reply with an explanatory message option.
//
// See https://datatracker.ietf.org/doc/html/rfc2131#section-4.3.1.
func (s *Server) nak(
	ctx context.Context,
	req *dhcpv4.DHCPv4,
	reason string,
	msg string,
) (resp *dhcpv4.DHCPv4) {
	resp, err := s.newReply(req, dhcpv4.MessageTypeNak)
	if err != nil {
		s.logger.ErrorContext(ctx, "building nak", slogutil.KeyError, err)

		return nil
	}

	if msg != "" {
		resp.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionMessage, []byte(msg)))
	}

	s.updateOptions(resp)

	metricNaksTotal.WithLabelValues(reason).Inc()
	metricRepliesTotal.WithLabelValues(dhcpv4.MessageTypeNak.String()).Inc()

	s.logger.InfoContext(ctx, "nak", "mac", req.ClientHWAddr, "reason", reason)

	return resp
}

// send writes resp to the client: to its own address when it already has
// one, to the limited broadcast address otherwise.  A send failure drops
// the reply.
func (s *Server) send(ctx context.Context, req, resp *dhcpv4.DHCPv4) {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()

	if conn == nil {
		return
	}

	dst := replyDest(req)
	_, err := conn.WriteTo(resp.ToBytes(), dst)
	if err != nil {
		s.logger.ErrorContext(ctx, "sending reply", "dst", dst, slogutil.KeyError, err)
	}
}
