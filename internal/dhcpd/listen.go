package dhcpd

import (
	"context"
	"net"
	"slices"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
)

// recvBufLen is the size of the datagram receive buffer.  Messages over
// maxDatagramLen bytes are truncated and logged.
const recvBufLen = maxDatagramLen + 1

// maxDatagramLen is the maximum accepted datagram size.
const maxDatagramLen = 1024

// recvBackoff is how long the listener waits before recreating the socket
// after a receive failure.
const recvBackoff = 500 * time.Millisecond

// bind creates the server UDP socket on the DHCPv4 server port with the
// address-reuse and broadcast socket options set.
func (s *Server) bind() (conn net.PacketConn, err error) {
	laddr := &net.UDPAddr{
		IP:   net.IPv4zero,
		Port: dhcpv4.ServerPort,
	}

	conn, err = server4.NewIPv4UDPConn(s.conf.InterfaceName, laddr)
	if err != nil {
		return nil, errors.Annotate(err, "binding udp socket: %w")
	}

	return conn, nil
}

// serve is the listener loop.  It receives one datagram at a time and
// spawns a handler task for each, so that a slow handler cannot delay
// receiving.  On receive failures the socket is recreated after a short
// back-off.  It exits when the server is shut down.
func (s *Server) serve(ctx context.Context) {
	defer s.wg.Done()
	defer slogutil.RecoverAndLog(ctx, s.logger)

	buf := make([]byte, recvBufLen)
	for {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if s.isDone() || errors.Is(err, net.ErrClosed) {
				return
			}

			s.logger.ErrorContext(ctx, "receiving", slogutil.KeyError, err)
			s.rebind(ctx)

			continue
		}

		if n > maxDatagramLen {
			s.logger.InfoContext(ctx, "truncating oversize datagram", "peer", peer, "len", n)
			n = maxDatagramLen
		}

		go s.serveDatagram(ctx, slices.Clone(buf[:n]), peer)
	}
}

// isDone returns true if the server has been shut down.
func (s *Server) isDone() (ok bool) {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// rebind replaces the socket after a receive failure.  It keeps the old
// socket on failure so that the loop can retry.
func (s *Server) rebind(ctx context.Context) {
	select {
	case <-s.done:
		return
	case <-time.After(recvBackoff):
		// Go on.
	}

	conn, err := s.bind()
	if err != nil {
		s.logger.ErrorContext(ctx, "recreating socket", slogutil.KeyError, err)

		return
	}

	s.connMu.Lock()
	old := s.conn
	s.conn = conn
	s.connMu.Unlock()

	if old != nil {
		// The old socket has already failed, so the close error is only
		// interesting for debugging.
		closeErr := old.Close()
		if closeErr != nil {
			s.logger.DebugContext(ctx, "closing failed socket", slogutil.KeyError, closeErr)
		}
	}

	s.logger.InfoContext(ctx, "socket recreated")
}
