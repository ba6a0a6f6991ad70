package cmd

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/AdguardTeam/AdGuardDHCP/internal/dhcpd"
	"github.com/AdguardTeam/golibs/timeutil"
	"gopkg.in/yaml.v3"
)

// configuration is the on-disk YAML configuration of AdGuard DHCP.  The
// order of fields defines the order in the file.
type configuration struct {
	// ServerIP is the address advertised as the server identifier.
	ServerIP netip.Addr `yaml:"server_ip"`

	// InterfaceName is the name of the network interface to bind to.  Empty
	// means all interfaces.
	InterfaceName string `yaml:"interface_name"`

	// LeaseDuration is the default lease TTL in seconds.
	LeaseDuration uint32 `yaml:"lease_duration"`

	// PendingOfferGrace is the lifetime of an unconfirmed offer in seconds.
	// Zero means the lease duration.
	PendingOfferGrace uint32 `yaml:"pending_offer_grace"`

	// PoolFile is the path to the address pool file.
	PoolFile string `yaml:"pool_file"`

	// BlocklistFile is the path to the forbidden-MAC file.
	BlocklistFile string `yaml:"blocklist_file"`

	// SubnetMask, Router, DNSServers, DomainName, and BroadcastAddress are
	// the network parameters advertised to clients.
	SubnetMask       netip.Addr   `yaml:"subnet_mask"`
	Router           netip.Addr   `yaml:"router"`
	DNSServers       []netip.Addr `yaml:"dns_servers"`
	DomainName       string       `yaml:"domain_name"`
	BroadcastAddress netip.Addr   `yaml:"broadcast_address"`

	// Options are custom DHCP options in the "CODE ip|ips|text|hex VALUE"
	// form.
	Options []string `yaml:"options"`

	// HTTPAddr is the listen address of the operator HTTP API.  Empty
	// disables the API.
	HTTPAddr string `yaml:"http_addr"`

	// LogFile is the path of the log file.  Empty means stdout.
	LogFile string `yaml:"log_file"`
}

// defaultLeaseDuration is the lease TTL used when the configuration doesn't
// set one.
const defaultLeaseDuration = 60 * time.Second

// readConfig reads and decodes the configuration file at path.
func readConfig(path string) (conf *configuration, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return nil, err
	}

	conf = &configuration{}
	err = yaml.Unmarshal(data, conf)
	if err != nil {
		return nil, fmt.Errorf("decoding %q: %w", path, err)
	}

	return conf, nil
}

// toDHCPConfig converts the on-disk configuration into the DHCP server
// configuration.
func (c *configuration) toDHCPConfig(logger *slog.Logger, clock timeutil.Clock) (conf *dhcpd.Config) {
	leaseDur := defaultLeaseDuration
	if c.LeaseDuration > 0 {
		leaseDur = time.Duration(c.LeaseDuration) * time.Second
	}

	return &dhcpd.Config{
		Logger:            logger,
		Clock:             clock,
		ServerIP:          c.ServerIP,
		InterfaceName:     c.InterfaceName,
		LeaseDuration:     leaseDur,
		PendingOfferGrace: time.Duration(c.PendingOfferGrace) * time.Second,
		PoolFilePath:      c.PoolFile,
		BlocklistFilePath: c.BlocklistFile,
		SubnetMask:        c.SubnetMask,
		Router:            c.Router,
		DNSServers:        c.DNSServers,
		DomainName:        c.DomainName,
		BroadcastAddr:     c.BroadcastAddress,
		Options:           c.Options,
	}
}
