// Package dhcpd provides a DHCPv4 server leasing addresses from an
// operator-defined address pool.
package dhcpd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/insomniacslk/dhcp/dhcpv4"
)

// Server is a DHCPv4 server.  It owns the address pool, the lease table, and
// the expiration scanner, and serves the protocol over a single UDP socket.
type Server struct {
	conf   *Config
	logger *slog.Logger
	clock  timeutil.Clock

	blocklist *blocklist

	// leasesMu protects table, pool, and view.  It is the single
	// serialization point for all lease state; the scanner and the handlers
	// both take it.
	leasesMu *sync.Mutex
	table    *leaseTable
	pool     *addrPool
	view     []AllocationRow

	// implicitOpts are the options advertised in every OFFER and ACK,
	// initialized from the configuration.  Codes also present in
	// explicitOpts are overridden by them, see [Server.updateOptions].
	implicitOpts dhcpv4.Options

	// explicitOpts are the operator-configured custom options.  They take
	// precedence over implicitOpts with the same code.
	explicitOpts dhcpv4.Options

	// connMu protects conn, which is replaced when the listener restarts the
	// socket after a receive failure.
	connMu *sync.Mutex
	conn   net.PacketConn

	done chan struct{}
	wg   sync.WaitGroup
}

// type check
var _ service.Interface = (*Server)(nil)

// New creates a new DHCP server with the given configuration.  conf must be
// valid.  The pool file is read here; failure to read it is fatal to server
// creation.
func New(ctx context.Context, conf *Config) (srv *Server, err error) {
	defer func() { err = errors.Annotate(err, "dhcpd: %w") }()

	err = conf.Validate()
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return nil, err
	}

	l := conf.Logger

	addrs, err := loadPoolFile(ctx, l, conf.PoolFilePath)
	if err != nil {
		return nil, fmt.Errorf("loading pool: %w", err)
	}

	srv = &Server{
		conf:   conf,
		logger: l,
		clock:  conf.Clock,
		blocklist: newBlocklist(
			ctx,
			l.With(slogutil.KeyPrefix, "blocklist"),
			conf.BlocklistFilePath,
		),
		leasesMu: &sync.Mutex{},
		table:    newLeaseTable(),
		pool:     newAddrPool(conf.PoolFilePath, addrs),
		connMu:   &sync.Mutex{},
		done:     make(chan struct{}),
	}

	srv.implicitOpts, srv.explicitOpts = prepareOptions(ctx, l, conf)

	srv.leasesMu.Lock()
	srv.refreshViewLocked(srv.clock.Now())
	srv.leasesMu.Unlock()

	l.InfoContext(ctx, "initialized", "pool_size", len(addrs))

	return srv, nil
}

// Start implements the [service.Interface] interface for *Server.  Binding
// the socket is the only fatal failure.
func (s *Server) Start(ctx context.Context) (err error) {
	defer func() { err = errors.Annotate(err, "dhcpd: starting: %w") }()

	conn, err := s.bind()
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return err
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	s.logger.InfoContext(ctx, "listening", "addr", conn.LocalAddr())

	// The context lives as long as the process, see [cmd.Main].
	serveCtx := context.WithoutCancel(ctx)

	s.wg.Add(2)
	go s.serve(serveCtx)
	go s.scanLoop(serveCtx)

	return nil
}

// Shutdown implements the [service.Interface] interface for *Server.
// In-flight handlers are allowed to finish their critical sections.
func (s *Server) Shutdown(ctx context.Context) (err error) {
	close(s.done)

	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()

	if conn != nil {
		err = conn.Close()
	}

	s.blocklist.close()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)

		s.wg.Wait()
	}()

	select {
	case <-stopped:
		// Go on.
	case <-ctx.Done():
		return fmt.Errorf("dhcpd: shutting down: %w", ctx.Err())
	}

	return errors.Annotate(err, "dhcpd: closing socket: %w")
}
