package dhcpd

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metricMessagesTotal counts the received DHCP messages by their type.
var metricMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "adguard_dhcp_messages_total",
	Help: "Total number of received DHCP messages by type",
}, []string{"type"})

// metricRepliesTotal counts the sent replies by their type.
var metricRepliesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "adguard_dhcp_replies_total",
	Help: "Total number of sent DHCP replies by type",
}, []string{"type"})

// metricNaksTotal counts the sent DHCPNAK replies by the rejection reason.
var metricNaksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "adguard_dhcp_naks_total",
	Help: "Total number of sent DHCPNAK replies by reason",
}, []string{"reason"})

// metricMalformedTotal counts the datagrams that could not be decoded.
var metricMalformedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "adguard_dhcp_malformed_messages_total",
	Help: "Total number of datagrams that could not be decoded",
})

// metricExpiredTotal counts the leases and offers reclaimed by the
// expiration scanner.
var metricExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "adguard_dhcp_expired_leases_total",
	Help: "Total number of leases and offers reclaimed by expiration",
})

// metricLeasesActive tracks the number of active bindings.
var metricLeasesActive = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "adguard_dhcp_leases_active",
	Help: "Current number of active DHCP bindings",
})

// metricPoolAvailable tracks the number of assignable addresses left in the
// pool.
var metricPoolAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "adguard_dhcp_pool_available",
	Help: "Current number of assignable addresses in the pool",
})

// RegisterMetrics registers all DHCP metrics with registry.
func RegisterMetrics(registry *prometheus.Registry) {
	registry.MustRegister(
		metricMessagesTotal,
		metricRepliesTotal,
		metricNaksTotal,
		metricMalformedTotal,
		metricExpiredTotal,
		metricLeasesActive,
		metricPoolAvailable,
	)
}
