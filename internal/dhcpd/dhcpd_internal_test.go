package dhcpd

import (
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/AdguardTeam/golibs/testutil/faketime"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/require"
)

// testTimeout is the common timeout for tests.
const testTimeout = 1 * time.Second

// testLogger is a common logger for tests.
var testLogger = slogutil.NewDiscardLogger()

// testCurrentTime is the base time returned by the test clock to ensure
// reproducible tests.
var testCurrentTime = time.Date(2025, 1, 1, 1, 1, 1, 0, time.UTC)

// Common addresses for tests.
var (
	testServerIP      = netip.MustParseAddr("192.168.1.1")
	testRouterIP      = netip.MustParseAddr("192.168.1.2")
	testSubnetMask    = netip.MustParseAddr("255.255.255.0")
	testBroadcastAddr = netip.MustParseAddr("192.168.1.255")

	testPoolAddr1 = netip.MustParseAddr("192.168.1.100")
	testPoolAddr2 = netip.MustParseAddr("192.168.1.101")
	testPoolAddr3 = netip.MustParseAddr("192.168.1.102")
)

// Common hardware addresses for tests.
var (
	testMAC1 = net.HardwareAddr{0xAA, 0xBB, 0xCC, 0x00, 0x00, 0x01}
	testMAC2 = net.HardwareAddr{0xAA, 0xBB, 0xCC, 0x00, 0x00, 0x02}
)

// testXID is a common transaction ID for tests.
var testXID = dhcpv4.TransactionID{0x00, 0x00, 0x12, 0x34}

// newTestClock returns a clock that returns *now and can be advanced by
// changing it.
func newTestClock(now *time.Time) (clock timeutil.Clock) {
	return &faketime.Clock{
		OnNow: func() (n time.Time) { return *now },
	}
}

// writePoolFile writes addrs into a pool file under a test directory and
// returns its path.
func writePoolFile(t *testing.T, addrs []netip.Addr) (path string) {
	t.Helper()

	b := &strings.Builder{}
	for _, a := range addrs {
		_, _ = b.WriteString(a.String())
		_ = b.WriteByte('\n')
	}

	path = filepath.Join(t.TempDir(), "pool.txt")
	err := os.WriteFile(path, []byte(b.String()), 0o644)
	require.NoError(t, err)

	return path
}

// newTestConfig returns a valid configuration over a fresh pool file with
// addrs.
func newTestConfig(t *testing.T, clock timeutil.Clock, addrs []netip.Addr) (conf *Config) {
	t.Helper()

	return &Config{
		Logger:        testLogger,
		Clock:         clock,
		ServerIP:      testServerIP,
		LeaseDuration: 60 * time.Second,
		PoolFilePath:  writePoolFile(t, addrs),
		SubnetMask:    testSubnetMask,
		Router:        testRouterIP,
		DNSServers:    []netip.Addr{netip.MustParseAddr("208.67.222.222")},
		DomainName:    "example.com",
		BroadcastAddr: testBroadcastAddr,
	}
}

// newTestServer creates a server over a pool of addrs without starting it.
// The server's handlers are driven directly, without a socket.
func newTestServer(t *testing.T, clock timeutil.Clock, addrs []netip.Addr) (s *Server) {
	t.Helper()

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	s, err := New(ctx, newTestConfig(t, clock, addrs))
	require.NoError(t, err)

	testutil.CleanupAndRequireSuccess(t, func() (err error) {
		s.blocklist.close()

		return nil
	})

	return s
}

// newDiscover returns a DHCPDISCOVER message from mac with the given
// transaction ID.
func newDiscover(
	t *testing.T,
	mac net.HardwareAddr,
	xid dhcpv4.TransactionID,
	mods ...dhcpv4.Modifier,
) (req *dhcpv4.DHCPv4) {
	t.Helper()

	mods = append([]dhcpv4.Modifier{
		dhcpv4.WithMessageType(dhcpv4.MessageTypeDiscover),
		dhcpv4.WithHwAddr(mac),
		dhcpv4.WithTransactionID(xid),
	}, mods...)

	req, err := dhcpv4.New(mods...)
	require.NoError(t, err)

	return req
}

// newRequest returns a DHCPREQUEST message from mac asking for ip.
func newRequest(
	t *testing.T,
	mac net.HardwareAddr,
	xid dhcpv4.TransactionID,
	ip netip.Addr,
	mods ...dhcpv4.Modifier,
) (req *dhcpv4.DHCPv4) {
	t.Helper()

	mods = append([]dhcpv4.Modifier{
		dhcpv4.WithMessageType(dhcpv4.MessageTypeRequest),
		dhcpv4.WithHwAddr(mac),
		dhcpv4.WithTransactionID(xid),
		dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(ip.AsSlice())),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(testServerIP.AsSlice())),
	}, mods...)

	req, err := dhcpv4.New(mods...)
	require.NoError(t, err)

	return req
}

// assertAddrPartition checks that every address of the initial pool is in
// exactly one of the free pool and the lease table.
func assertAddrPartition(t *testing.T, s *Server) {
	t.Helper()

	s.leasesMu.Lock()
	defer s.leasesMu.Unlock()

	inTable := map[netip.Addr]int{}
	for _, l := range s.table.leases {
		inTable[l.IP]++
	}

	for _, ip := range s.pool.all {
		n := inTable[ip]
		for _, free := range s.pool.free {
			if free == ip {
				n++
			}
		}

		require.Equalf(t, 1, n, "address %s is in %d places", ip, n)
	}
}
