package dhcpd

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/insomniacslk/dhcp/dhcpv4"
)

// The aliases for DHCP option types available for explicit declaration.
const (
	hexTyp  = "hex"
	ipTyp   = "ip"
	ipsTyp  = "ips"
	textTyp = "text"
)

// parseDHCPOptionHex parses a DHCP option as a hex-encoded string.  For
// example:
//
//	252 hex 736f636b733a2f2f70726f78792e6578616d706c652e6f7267
func parseDHCPOptionHex(s string) (val dhcpv4.OptionValue, err error) {
	var data []byte
	data, err = hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding hex: %w", err)
	}

	return dhcpv4.OptionGeneric{Data: data}, nil
}

// parseDHCPOptionIP parses a DHCP option as a single IP address.  For
// example:
//
//	6 ip 192.168.1.1
func parseDHCPOptionIP(s string) (val dhcpv4.OptionValue, err error) {
	var ip net.IP
	// All DHCPv4 options require IPv4, so don't put the 16-byte version.
	// Otherwise, the clients will receive weird data that looks like four
	// IPv4 addresses.
	if ip, err = netutil.ParseIPv4(s); err != nil {
		return nil, err
	}

	return dhcpv4.IP(ip), nil
}

// parseDHCPOptionIPs parses a DHCP option as a comma-separated list of IP
// addresses.  For example:
//
//	6 ips 192.168.1.1,192.168.1.2
func parseDHCPOptionIPs(s string) (val dhcpv4.OptionValue, err error) {
	var ips dhcpv4.IPs
	var ip net.IP
	for i, ipStr := range strings.Split(s, ",") {
		// See the notes in parseDHCPOptionIP.
		if ip, err = netutil.ParseIPv4(ipStr); err != nil {
			return nil, fmt.Errorf("parsing ip at index %d: %w", i, err)
		}

		ips = append(ips, ip)
	}

	return ips, nil
}

// parseDHCPOptionText parses a DHCP option as a simple UTF-8 encoded text.
// For example:
//
//	252 text http://192.168.1.1/wpad.dat
func parseDHCPOptionText(s string) (val dhcpv4.OptionValue) {
	return dhcpv4.OptionGeneric{Data: []byte(s)}
}

// parseDHCPOption parses an option.  See the documentation of
// parseDHCPOption* for more info.
func parseDHCPOption(s string) (opt dhcpv4.Option, err error) {
	defer func() { err = errors.Annotate(err, "invalid option string %q: %w", s) }()

	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, " ", 3)
	if len(parts) < 3 {
		return opt, errors.Error("need at least three fields")
	}

	var code64 uint64
	code64, err = strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return opt, fmt.Errorf("parsing option code: %w", err)
	}

	var optVal dhcpv4.OptionValue
	switch typ, val := parts[1], parts[2]; typ {
	case hexTyp:
		optVal, err = parseDHCPOptionHex(val)
	case ipTyp:
		optVal, err = parseDHCPOptionIP(val)
	case ipsTyp:
		optVal, err = parseDHCPOptionIPs(val)
	case textTyp:
		optVal = parseDHCPOptionText(val)
	default:
		return opt, fmt.Errorf("unknown option type %q", typ)
	}

	if err != nil {
		return opt, err
	}

	return dhcpv4.Option{
		Code:  dhcpv4.GenericOptionCode(code64),
		Value: optVal,
	}, nil
}

// prepareOptions builds the implicit options advertised in every OFFER and
// ACK from the configured network parameters, and the explicit options from
// the operator's custom option strings.  Bad custom option strings are
// logged and skipped.
func prepareOptions(
	ctx context.Context,
	logger *slog.Logger,
	conf *Config,
) (implicit, explicit dhcpv4.Options) {
	dns := make([]net.IP, 0, len(conf.DNSServers))
	for _, addr := range conf.DNSServers {
		dns = append(dns, addr.AsSlice())
	}

	implicit = dhcpv4.OptionsFromList(
		dhcpv4.OptSubnetMask(net.IPMask(conf.SubnetMask.AsSlice())),
		dhcpv4.OptRouter(conf.Router.AsSlice()),
		dhcpv4.OptDNS(dns...),
		dhcpv4.OptDomainName(conf.DomainName),
		dhcpv4.OptBroadcastAddress(conf.BroadcastAddr.AsSlice()),
		dhcpv4.OptMaxMessageSize(maxMessageSize),
	)

	explicit = dhcpv4.Options{}
	for i, o := range conf.Options {
		opt, err := parseDHCPOption(o)
		if err != nil {
			logger.WarnContext(
				ctx,
				"bad option string",
				"idx", i,
				slogutil.KeyError, err,
			)

			continue
		}

		explicit.Update(opt)
	}

	return implicit, explicit
}

// updateOptions sets the network configuration options into resp.  The
// explicitly configured options win over the implicit ones.
func (s *Server) updateOptions(resp *dhcpv4.DHCPv4) {
	for code, val := range s.implicitOpts {
		resp.Options[code] = val
	}

	for code, val := range s.explicitOpts {
		resp.Options[code] = val
	}
}
