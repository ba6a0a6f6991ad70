package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/AdguardTeam/AdGuardDHCP/internal/dhcpd"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Timeouts of the operator HTTP API server.
const (
	webReadTimeout  = 60 * time.Second
	webWriteTimeout = 60 * time.Second
)

// webService serves the operator HTTP API: the DHCP status handlers and the
// Prometheus metrics.
type webService struct {
	logger *slog.Logger
	addr   string
	srv    *http.Server
}

// type check
var _ service.Interface = (*webService)(nil)

// newWebService returns a new web service serving the status of dhcpSrv.
func newWebService(logger *slog.Logger, addr string, dhcpSrv *dhcpd.Server) (svc *webService) {
	mux := http.NewServeMux()
	dhcpSrv.RegisterHTTPHandlers(mux)

	registry := prometheus.NewRegistry()
	dhcpd.RegisterMetrics(registry)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &webService{
		logger: logger,
		addr:   addr,
		srv: &http.Server{
			Handler:      mux,
			ReadTimeout:  webReadTimeout,
			WriteTimeout: webWriteTimeout,
		},
	}
}

// Start implements the [service.Interface] interface for *webService.
func (svc *webService) Start(ctx context.Context) (err error) {
	ln, err := net.Listen("tcp", svc.addr)
	if err != nil {
		return fmt.Errorf("websvc: %w", err)
	}

	svc.logger.InfoContext(ctx, "listening", "addr", ln.Addr())

	go func() {
		defer slogutil.RecoverAndLog(ctx, svc.logger)

		sErr := svc.srv.Serve(ln)
		if sErr != nil && !errors.Is(sErr, http.ErrServerClosed) {
			svc.logger.ErrorContext(ctx, "serving", slogutil.KeyError, sErr)
		}
	}()

	return nil
}

// Shutdown implements the [service.Interface] interface for *webService.
func (svc *webService) Shutdown(ctx context.Context) (err error) {
	return errors.Annotate(svc.srv.Shutdown(ctx), "websvc: %w")
}
