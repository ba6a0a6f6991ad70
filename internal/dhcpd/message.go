package dhcpd

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/iana"
)

// minMessageLen is the length of the fixed BOOTP header together with the
// magic cookie, the minimum a DHCPv4 datagram can have.
const minMessageLen = 240

// maxMessageSize is advertised to clients as option 57.  The listener's own
// datagram size limit is maxDatagramLen.
const maxMessageSize = 1500

// parseV4 decodes data into a DHCPv4 message.  The returned errors are
// errMalformedMessage for data that cannot be decoded and
// errUnsupportedHardware for messages from clients with a hardware type
// other than Ethernet.
func parseV4(data []byte) (req *dhcpv4.DHCPv4, err error) {
	if len(data) < minMessageLen {
		return nil, fmt.Errorf("%w: length %d", errMalformedMessage, len(data))
	}

	req, err = dhcpv4.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errMalformedMessage, err)
	}

	if req.HWType != iana.HWTypeEthernet || len(req.ClientHWAddr) != macKeyLen {
		return nil, fmt.Errorf(
			"%w: htype %d, hlen %d",
			errUnsupportedHardware,
			req.HWType,
			len(req.ClientHWAddr),
		)
	}

	return req, nil
}

// requestedIP returns the address from the requested IP address option, if
// it contains a valid IPv4 address.
func requestedIP(req *dhcpv4.DHCPv4) (ip netip.Addr, ok bool) {
	return addrFromIP(req.RequestedIPAddress())
}

// addrFromIP converts a 4-byte form net.IP into a netip.Addr.  ok is false
// for nil and non-IPv4 values.
func addrFromIP(ip net.IP) (addr netip.Addr, ok bool) {
	if ip4 := ip.To4(); ip4 != nil {
		return netip.AddrFromSlice(ip4)
	}

	return netip.Addr{}, false
}

// newReply creates a reply to req with the given message type.  The server
// identifier is always included, since any reply should contain it.
//
// See https://datatracker.ietf.org/doc/html/rfc2131#page-29.
func (s *Server) newReply(
	req *dhcpv4.DHCPv4,
	mt dhcpv4.MessageType,
) (resp *dhcpv4.DHCPv4, err error) {
	resp, err = dhcpv4.NewReplyFromRequest(req)
	if err != nil {
		return nil, fmt.Errorf("constructing reply: %w", err)
	}

	resp.UpdateOption(dhcpv4.OptMessageType(mt))
	resp.UpdateOption(dhcpv4.OptServerIdentifier(s.conf.ServerIP.AsSlice()))

	return resp, nil
}

// replyDest returns the address a reply to req should be sent to:
// the client's own address when it already has one, the limited broadcast
// address otherwise.
func replyDest(req *dhcpv4.DHCPv4) (dst *net.UDPAddr) {
	if ciaddr, ok := addrFromIP(req.ClientIPAddr); ok && !ciaddr.IsUnspecified() {
		return &net.UDPAddr{
			IP:   ciaddr.AsSlice(),
			Port: dhcpv4.ClientPort,
		}
	}

	return &net.UDPAddr{
		IP:   net.IPv4bcast,
		Port: dhcpv4.ClientPort,
	}
}
