package dhcpd

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/testutil"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_handleMessage_discover(t *testing.T) {
	now := testCurrentTime
	clock := newTestClock(&now)

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	t.Run("basic", func(t *testing.T) {
		s := newTestServer(t, clock, []netip.Addr{testPoolAddr1, testPoolAddr2})

		resp := s.handleMessage(ctx, newDiscover(t, testMAC1, testXID))
		require.NotNil(t, resp)

		assert.Equal(t, dhcpv4.MessageTypeOffer, resp.MessageType())
		assert.Equal(t, dhcpv4.OpcodeBootReply, resp.OpCode)
		assert.Equal(t, testXID, resp.TransactionID)
		assert.Equal(t, testPoolAddr1.AsSlice(), []byte(resp.YourIPAddr.To4()))
		assert.Equal(t, 60*time.Second, resp.IPAddressLeaseTime(0))
		assert.Equal(t, testServerIP.AsSlice(), []byte(resp.ServerIdentifier().To4()))

		assertAddrPartition(t, s)
	})

	t.Run("requested_ip_honored", func(t *testing.T) {
		s := newTestServer(t, clock, []netip.Addr{testPoolAddr1, testPoolAddr2, testPoolAddr3})

		req := newDiscover(t, testMAC1, testXID, dhcpv4.WithOption(
			dhcpv4.OptRequestedIPAddress(testPoolAddr3.AsSlice()),
		), dhcpv4.WithOption(
			dhcpv4.OptIPAddressLeaseTime(300*time.Second),
		))

		resp := s.handleMessage(ctx, req)
		require.NotNil(t, resp)

		assert.Equal(t, dhcpv4.MessageTypeOffer, resp.MessageType())
		assert.Equal(t, testPoolAddr3.AsSlice(), []byte(resp.YourIPAddr.To4()))
		assert.Equal(t, 300*time.Second, resp.IPAddressLeaseTime(0))

		s.leasesMu.Lock()
		assert.Equal(t, []netip.Addr{testPoolAddr1, testPoolAddr2}, s.pool.free)
		s.leasesMu.Unlock()
	})

	t.Run("requested_ip_unavailable", func(t *testing.T) {
		s := newTestServer(t, clock, []netip.Addr{testPoolAddr1, testPoolAddr2})

		req := newDiscover(t, testMAC1, testXID, dhcpv4.WithOption(
			dhcpv4.OptRequestedIPAddress(net.IP{10, 0, 0, 5}),
		))

		resp := s.handleMessage(ctx, req)
		require.NotNil(t, resp)

		assert.Equal(t, dhcpv4.MessageTypeOffer, resp.MessageType())
		assert.Equal(t, testPoolAddr1.AsSlice(), []byte(resp.YourIPAddr.To4()))
	})

	t.Run("pool_exhausted", func(t *testing.T) {
		s := newTestServer(t, clock, nil)

		resp := s.handleMessage(ctx, newDiscover(t, testMAC1, testXID))
		require.NotNil(t, resp)

		assert.Equal(t, dhcpv4.MessageTypeNak, resp.MessageType())
		assert.NotEmpty(t, resp.Options.Get(dhcpv4.OptionMessage))
	})

	t.Run("idempotent", func(t *testing.T) {
		s := newTestServer(t, clock, []netip.Addr{testPoolAddr1, testPoolAddr2})

		resp := s.handleMessage(ctx, newDiscover(t, testMAC1, testXID))
		require.NotNil(t, resp)

		again := s.handleMessage(ctx, newDiscover(t, testMAC1, testXID))
		require.NotNil(t, again)

		assert.Equal(t, resp.YourIPAddr, again.YourIPAddr)

		s.leasesMu.Lock()
		assert.Len(t, s.pool.free, 1)
		s.leasesMu.Unlock()

		assertAddrPartition(t, s)
	})

	t.Run("rediscover_bound", func(t *testing.T) {
		s := newTestServer(t, clock, []netip.Addr{testPoolAddr1, testPoolAddr2})

		require.NotNil(t, s.handleMessage(ctx, newDiscover(t, testMAC1, testXID)))
		require.NotNil(t, s.handleMessage(ctx, newRequest(t, testMAC1, testXID, testPoolAddr1)))

		s.leasesMu.Lock()
		wantExpiry := s.table.byMAC(macToKey(testMAC1)).Expiry
		s.leasesMu.Unlock()

		// A stray discover from an already-bound client re-emits the offer
		// but must not downgrade the binding or move its expiry.
		resp := s.handleMessage(ctx, newDiscover(t, testMAC1, testXID))
		require.NotNil(t, resp)

		assert.Equal(t, dhcpv4.MessageTypeOffer, resp.MessageType())
		assert.Equal(t, testPoolAddr1.AsSlice(), []byte(resp.YourIPAddr.To4()))

		s.leasesMu.Lock()
		l := s.table.byMAC(macToKey(testMAC1))
		require.NotNil(t, l)
		assert.Equal(t, leaseStateBound, l.State)
		assert.Equal(t, wantExpiry, l.Expiry)
		assert.Equal(t, 1, s.table.countBound())
		assert.Equal(t, []netip.Addr{testPoolAddr2}, s.pool.free)
		s.leasesMu.Unlock()

		assertAddrPartition(t, s)
	})
}

func TestServer_handleMessage_request(t *testing.T) {
	now := testCurrentTime
	clock := newTestClock(&now)

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	t.Run("confirm", func(t *testing.T) {
		s := newTestServer(t, clock, []netip.Addr{testPoolAddr1, testPoolAddr2})

		offer := s.handleMessage(ctx, newDiscover(t, testMAC1, testXID))
		require.NotNil(t, offer)

		resp := s.handleMessage(ctx, newRequest(t, testMAC1, testXID, testPoolAddr1))
		require.NotNil(t, resp)

		assert.Equal(t, dhcpv4.MessageTypeAck, resp.MessageType())
		assert.Equal(t, testPoolAddr1.AsSlice(), []byte(resp.YourIPAddr.To4()))
		assert.Equal(t, 60*time.Second, resp.IPAddressLeaseTime(0))

		// T1 and T2.  The options carry whole seconds, so T2 of 52.5s is sent
		// as 52s.
		assert.Equal(t, 30*time.Second, durationOption(t, resp, dhcpv4.OptionRenewTimeValue))
		t2 := 60 * 7 / 8 * time.Second
		assert.Equal(t, t2, durationOption(t, resp, dhcpv4.OptionRebindingTimeValue))

		s.leasesMu.Lock()
		assert.Equal(t, []netip.Addr{testPoolAddr2}, s.pool.free)
		l := s.table.byMAC(macToKey(testMAC1))
		require.NotNil(t, l)
		assert.Equal(t, leaseStateBound, l.State)
		assert.Equal(t, now.Add(60*time.Second), l.Expiry)
		s.leasesMu.Unlock()

		assertAddrPartition(t, s)
	})

	t.Run("no_offer", func(t *testing.T) {
		s := newTestServer(t, clock, []netip.Addr{testPoolAddr1})

		resp := s.handleMessage(ctx, newRequest(t, testMAC1, testXID, testPoolAddr1))
		require.NotNil(t, resp)

		assert.Equal(t, dhcpv4.MessageTypeNak, resp.MessageType())
	})

	t.Run("mismatched_ip", func(t *testing.T) {
		s := newTestServer(t, clock, []netip.Addr{testPoolAddr1, testPoolAddr2})

		offer := s.handleMessage(ctx, newDiscover(t, testMAC1, testXID))
		require.NotNil(t, offer)

		resp := s.handleMessage(ctx, newRequest(t, testMAC1, testXID, testPoolAddr2))
		require.NotNil(t, resp)

		assert.Equal(t, dhcpv4.MessageTypeNak, resp.MessageType())

		// The mismatching request discards the offer and returns the address
		// to the pool.
		s.leasesMu.Lock()
		assert.Nil(t, s.table.byMAC(macToKey(testMAC1)))
		assert.Contains(t, s.pool.free, testPoolAddr1)
		s.leasesMu.Unlock()

		assertAddrPartition(t, s)
	})

	t.Run("renewal", func(t *testing.T) {
		s := newTestServer(t, clock, []netip.Addr{testPoolAddr1})

		require.NotNil(t, s.handleMessage(ctx, newDiscover(t, testMAC1, testXID)))
		require.NotNil(t, s.handleMessage(ctx, newRequest(t, testMAC1, testXID, testPoolAddr1)))

		now = now.Add(30 * time.Second)

		otherXID := dhcpv4.TransactionID{0x00, 0x00, 0x56, 0x78}
		resp := s.handleMessage(ctx, newRequest(t, testMAC1, otherXID, testPoolAddr1))
		require.NotNil(t, resp)

		assert.Equal(t, dhcpv4.MessageTypeAck, resp.MessageType())
		assert.Equal(t, otherXID, resp.TransactionID)

		s.leasesMu.Lock()
		l := s.table.byMAC(macToKey(testMAC1))
		require.NotNil(t, l)
		assert.Equal(t, now.Add(60*time.Second), l.Expiry)
		assert.Equal(t, otherXID, l.XID)
		s.leasesMu.Unlock()
	})
}

// durationOption returns the option with the given code decoded as a
// duration in seconds.
func durationOption(
	t *testing.T,
	m *dhcpv4.DHCPv4,
	code dhcpv4.OptionCode,
) (d time.Duration) {
	t.Helper()

	data := m.Options.Get(code)
	require.Len(t, data, 4)

	var secs uint32
	for _, b := range data {
		secs = secs<<8 | uint32(b)
	}

	return time.Duration(secs) * time.Second
}

func TestServer_handleMessage_declineRelease(t *testing.T) {
	now := testCurrentTime
	clock := newTestClock(&now)

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	t.Run("decline", func(t *testing.T) {
		s := newTestServer(t, clock, []netip.Addr{testPoolAddr1})

		require.NotNil(t, s.handleMessage(ctx, newDiscover(t, testMAC1, testXID)))
		require.NotNil(t, s.handleMessage(ctx, newRequest(t, testMAC1, testXID, testPoolAddr1)))

		decl, err := dhcpv4.New(
			dhcpv4.WithMessageType(dhcpv4.MessageTypeDecline),
			dhcpv4.WithHwAddr(testMAC1),
			dhcpv4.WithTransactionID(testXID),
			dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(testPoolAddr1.AsSlice())),
		)
		require.NoError(t, err)

		resp := s.handleMessage(ctx, decl)
		assert.Nil(t, resp)

		s.leasesMu.Lock()
		assert.Nil(t, s.table.byMAC(macToKey(testMAC1)))
		assert.Equal(t, []netip.Addr{testPoolAddr1}, s.pool.free)
		s.leasesMu.Unlock()

		assertAddrPartition(t, s)
	})

	t.Run("release", func(t *testing.T) {
		s := newTestServer(t, clock, []netip.Addr{testPoolAddr1, testPoolAddr2})

		require.NotNil(t, s.handleMessage(ctx, newDiscover(t, testMAC1, testXID, dhcpv4.WithOption(
			dhcpv4.OptRequestedIPAddress(testPoolAddr2.AsSlice()),
		))))
		require.NotNil(t, s.handleMessage(ctx, newRequest(t, testMAC1, testXID, testPoolAddr2)))

		rel, err := dhcpv4.New(
			dhcpv4.WithMessageType(dhcpv4.MessageTypeRelease),
			dhcpv4.WithHwAddr(testMAC1),
			dhcpv4.WithTransactionID(testXID),
			dhcpv4.WithClientIP(testPoolAddr2.AsSlice()),
		)
		require.NoError(t, err)

		resp := s.handleMessage(ctx, rel)
		assert.Nil(t, resp)

		// The released address goes to the tail.
		s.leasesMu.Lock()
		assert.Equal(t, []netip.Addr{testPoolAddr1, testPoolAddr2}, s.pool.free)
		s.leasesMu.Unlock()

		assertAddrPartition(t, s)
	})
}

func TestServer_handleMessage_inform(t *testing.T) {
	now := testCurrentTime
	clock := newTestClock(&now)

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	s := newTestServer(t, clock, []netip.Addr{testPoolAddr1})

	inf, err := dhcpv4.New(
		dhcpv4.WithMessageType(dhcpv4.MessageTypeInform),
		dhcpv4.WithHwAddr(testMAC1),
		dhcpv4.WithTransactionID(testXID),
		dhcpv4.WithClientIP(net.IP{192, 168, 1, 50}),
	)
	require.NoError(t, err)

	resp := s.handleMessage(ctx, inf)
	require.NotNil(t, resp)

	assert.Equal(t, dhcpv4.MessageTypeAck, resp.MessageType())
	assert.Nil(t, resp.Options.Get(dhcpv4.OptionIPAddressLeaseTime))
	assert.NotEmpty(t, resp.Options.Get(dhcpv4.OptionSubnetMask))
	assert.NotEmpty(t, resp.Options.Get(dhcpv4.OptionDomainName))

	// No binding is created.
	s.leasesMu.Lock()
	assert.Empty(t, s.table.leases)
	s.leasesMu.Unlock()
}

func TestServer_handleMessage_blocklist(t *testing.T) {
	now := testCurrentTime
	clock := newTestClock(&now)

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	blockedMAC := net.HardwareAddr{0xAA, 0xBB, 0xCC, 0x00, 0x00, 0x09}

	blPath := filepath.Join(t.TempDir(), "blocklist.txt")
	err := os.WriteFile(blPath, []byte(blockedMAC.String()+"\n"), 0o644)
	require.NoError(t, err)

	conf := newTestConfig(t, clock, []netip.Addr{testPoolAddr1})
	conf.BlocklistFilePath = blPath

	s, err := New(ctx, conf)
	require.NoError(t, err)
	testutil.CleanupAndRequireSuccess(t, func() (cerr error) {
		s.blocklist.close()

		return nil
	})

	resp := s.handleMessage(ctx, newDiscover(t, blockedMAC, testXID))
	require.NotNil(t, resp)

	assert.Equal(t, dhcpv4.MessageTypeNak, resp.MessageType())

	// The pool is unchanged.
	s.leasesMu.Lock()
	assert.Equal(t, []netip.Addr{testPoolAddr1}, s.pool.free)
	s.leasesMu.Unlock()
}

func TestServer_scanExpired(t *testing.T) {
	now := testCurrentTime
	clock := newTestClock(&now)

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	t.Run("bound", func(t *testing.T) {
		s := newTestServer(t, clock, []netip.Addr{testPoolAddr1})

		disc := newDiscover(t, testMAC1, testXID, dhcpv4.WithOption(
			dhcpv4.OptIPAddressLeaseTime(2*time.Second),
		))
		require.NotNil(t, s.handleMessage(ctx, disc))
		require.NotNil(t, s.handleMessage(ctx, newRequest(t, testMAC1, testXID, testPoolAddr1)))

		now = now.Add(3 * time.Second)
		s.scanExpired(ctx)

		s.leasesMu.Lock()
		assert.Empty(t, s.table.leases)
		assert.Equal(t, []netip.Addr{testPoolAddr1}, s.pool.free)
		s.leasesMu.Unlock()

		assertAddrPartition(t, s)
	})

	t.Run("stale_offer", func(t *testing.T) {
		s := newTestServer(t, clock, []netip.Addr{testPoolAddr1})

		require.NotNil(t, s.handleMessage(ctx, newDiscover(t, testMAC1, testXID)))

		// The offer grace defaults to the lease duration.
		now = now.Add(61 * time.Second)
		s.scanExpired(ctx)

		s.leasesMu.Lock()
		assert.Empty(t, s.table.leases)
		assert.Equal(t, []netip.Addr{testPoolAddr1}, s.pool.free)
		s.leasesMu.Unlock()
	})

	t.Run("view_refresh", func(t *testing.T) {
		s := newTestServer(t, clock, []netip.Addr{testPoolAddr1, testPoolAddr2})

		require.NotNil(t, s.handleMessage(ctx, newDiscover(t, testMAC1, testXID)))
		require.NotNil(t, s.handleMessage(ctx, newRequest(t, testMAC1, testXID, testPoolAddr1)))

		s.scanExpired(ctx)

		rows := s.AllocationView()
		require.Len(t, rows, 2)

		assert.Equal(t, testPoolAddr1, rows[0].IP)
		assert.Equal(t, testMAC1.String(), rows[0].Holder)
		assert.Equal(t, "bound", rows[0].State)
		assert.NotZero(t, rows[0].RemainingSeconds)

		assert.Equal(t, testPoolAddr2, rows[1].IP)
		assert.Equal(t, unassignedHolder, rows[1].Holder)
		assert.Zero(t, rows[1].RemainingSeconds)
	})
}

func TestServer_fairness(t *testing.T) {
	now := testCurrentTime
	clock := newTestClock(&now)

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	addrs := []netip.Addr{testPoolAddr1, testPoolAddr2, testPoolAddr3}
	s := newTestServer(t, clock, addrs)

	for i, wantIP := range addrs {
		mac := net.HardwareAddr{0xAA, 0xBB, 0xCC, 0x00, 0x01, byte(i)}
		xid := dhcpv4.TransactionID{0x00, 0x00, 0x00, byte(i)}

		offer := s.handleMessage(ctx, newDiscover(t, mac, xid))
		require.NotNilf(t, offer, "offer for client %d", i)

		assert.Equal(t, wantIP.AsSlice(), []byte(offer.YourIPAddr.To4()))

		ack := s.handleMessage(ctx, newRequest(t, mac, xid, wantIP))
		require.NotNilf(t, ack, "ack for client %d", i)
		assert.Equal(t, dhcpv4.MessageTypeAck, ack.MessageType())

		assertAddrPartition(t, s)
	}

	s.leasesMu.Lock()
	assert.Empty(t, s.pool.free)
	assert.Equal(t, len(addrs), s.table.countBound())
	s.leasesMu.Unlock()

	// One more client gets a NAK.
	resp := s.handleMessage(ctx, newDiscover(t, testMAC2, testXID))
	require.NotNil(t, resp)
	assert.Equal(t, dhcpv4.MessageTypeNak, resp.MessageType())
}

func TestServer_poolPersistence(t *testing.T) {
	now := testCurrentTime
	clock := newTestClock(&now)

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	conf := newTestConfig(t, clock, []netip.Addr{testPoolAddr1, testPoolAddr2})

	s, err := New(ctx, conf)
	require.NoError(t, err)

	require.NotNil(t, s.handleMessage(ctx, newDiscover(t, testMAC1, testXID)))

	data, err := os.ReadFile(conf.PoolFilePath)
	require.NoError(t, err)

	assert.Equal(t, fmt.Sprintf("%s\n", testPoolAddr2), string(data))
}
