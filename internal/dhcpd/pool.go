package dhcpd

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/netip"
	"os"
	"slices"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/google/renameio/v2/maybe"
)

// poolFilePerm is the permissions for the pool file.
const poolFilePerm fs.FileMode = 0o644

// addrPool is the ordered set of assignable addresses.  Allocation draws
// from the head, reclaimed addresses are appended at the tail, and a client's
// requested address is removed from its current position.  The order is
// observable through the pool file and must be kept stable.  All methods
// must only be called with the server's leasesMu held.
type addrPool struct {
	// filePath is the path to the pool file the free list is flushed to.
	filePath string

	// free is the current list of assignable addresses, in order.
	free []netip.Addr

	// all is the full set of addresses the pool was created with, in the
	// original file order.  It is used for the allocation view and is not
	// modified after creation.
	all []netip.Addr
}

// newAddrPool returns a new pool over addrs, persisted to filePath.
func newAddrPool(filePath string, addrs []netip.Addr) (p *addrPool) {
	return &addrPool{
		filePath: filePath,
		free:     slices.Clone(addrs),
		all:      slices.Clone(addrs),
	}
}

// loadPoolFile reads the ordered list of assignable addresses from the file
// at path.  Blank lines are ignored; unparsable lines and the never
// assignable addresses 0.0.0.0 and 255.255.255.255 are skipped with a
// warning.
func loadPoolFile(
	ctx context.Context,
	logger *slog.Logger,
	path string,
) (addrs []netip.Addr, err error) {
	f, err := os.Open(path)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return nil, err
	}
	defer func() { err = errors.WithDeferred(err, f.Close()) }()

	sc := bufio.NewScanner(f)
	for lineNum := 1; sc.Scan(); lineNum++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		addr, parseErr := netip.ParseAddr(line)
		if parseErr != nil || !addr.Is4() {
			logger.WarnContext(ctx, "skipping pool line", "line", lineNum, "value", line)

			continue
		}

		if addr.IsUnspecified() || addr == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
			logger.WarnContext(ctx, "skipping unassignable address", "ip", addr)

			continue
		}

		if slices.Contains(addrs, addr) {
			logger.WarnContext(ctx, "skipping duplicate address", "ip", addr)

			continue
		}

		addrs = append(addrs, addr)
	}

	err = sc.Err()
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}

	return addrs, nil
}

// take removes and returns an address from the pool.  If requested is a
// valid address present in the pool, it is taken from its current position;
// otherwise the head of the pool is taken.  ok is false if the pool is
// empty.
func (p *addrPool) take(requested netip.Addr) (ip netip.Addr, ok bool) {
	if requested.IsValid() {
		if i := slices.Index(p.free, requested); i >= 0 {
			p.free = slices.Delete(p.free, i, i+1)

			return requested, true
		}
	}

	if len(p.free) == 0 {
		return netip.Addr{}, false
	}

	ip, p.free = p.free[0], p.free[1:]

	return ip, true
}

// put appends ip at the tail of the pool.  Duplicates are ignored, so the
// call is idempotent.
func (p *addrPool) put(ip netip.Addr) {
	if slices.Contains(p.free, ip) {
		return
	}

	p.free = append(p.free, ip)
}

// addrs returns a copy of the current free list, in order.
func (p *addrPool) addrs() (addrs []netip.Addr) {
	return slices.Clone(p.free)
}

// persist flushes the free list to the pool file, one address per line, by
// an atomic replace.  Persistence is best-effort: a failed write is logged
// and the in-memory state stays authoritative.
func (p *addrPool) persist(ctx context.Context, logger *slog.Logger) {
	b := &strings.Builder{}
	for _, ip := range p.free {
		// Ignore the errors, since strings.Builder never returns them.
		_, _ = b.WriteString(ip.String())
		_ = b.WriteByte('\n')
	}

	err := maybe.WriteFile(p.filePath, []byte(b.String()), poolFilePerm)
	if err != nil {
		logger.ErrorContext(ctx, "persisting pool", slogutil.KeyError, err)
	}
}
