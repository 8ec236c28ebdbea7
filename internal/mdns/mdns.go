// Package mdns announces a tokengate server on the local network.
//
// Devices holding a library token still need to know where to exchange it.
// With advertisement enabled, the server registers a DNS-SD service so apps
// can find the exchange endpoint without a typed address. Advertisement is
// opt-in: discovery reveals only that a server exists, and every exchange
// still needs a valid library token.
//
// TXT records:
//   - api: HTTP API version, e.g. v1
//   - scheme: http or https
//   - name: human-readable server name
//   - fp: TLS certificate fingerprint (https only)
package mdns

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

// ServiceType is the DNS-SD service type for tokengate servers.
const ServiceType = "_tokengate._tcp"

// Domain is the mDNS browse and register domain.
const Domain = "local."

// APIVersion is advertised so clients can skip incompatible servers.
const APIVersion = "v1"

// Config describes what to advertise.
type Config struct {
	// Port is the port the HTTP API listens on.
	Port int

	// TLS selects the advertised scheme.
	TLS bool

	// Fingerprint of the server certificate. Only advertised with TLS.
	Fingerprint string

	// Name is the instance name. Default: the system hostname.
	Name string
}

// Endpoint is a server found by Discover.
type Endpoint struct {
	Name        string
	Host        string
	Port        int
	Scheme      string
	APIVersion  string
	Fingerprint string
}

// URL returns the base URL of the endpoint's HTTP API.
func (e Endpoint) URL() string {
	host := e.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s://%s:%d", e.Scheme, host, e.Port)
}

// Advertiser owns one DNS-SD registration.
type Advertiser struct {
	config Config
	server *zeroconf.Server
	mu     sync.Mutex
	log    *zap.Logger
}

// NewAdvertiser returns an advertiser for cfg. Nothing is announced until Start.
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{
		config: cfg,
		log:    zap.L().Named("mdns"),
	}
}

// Start registers the service. Calling Start while running is a no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}
	if a.config.Port <= 0 {
		return fmt.Errorf("mdns: invalid port %d", a.config.Port)
	}

	name := instanceName(a.config.Name)
	server, err := zeroconf.Register(name, ServiceType, Domain, a.config.Port, txtRecords(a.config, name), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	a.server = server
	a.log.Info("advertising", zap.String("name", name), zap.Int("port", a.config.Port), zap.Bool("tls", a.config.TLS))
	return nil
}

// Stop withdraws the registration. Safe to call repeatedly or before Start.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		a.log.Info("advertisement stopped")
	}
}

// IsRunning reports whether the service is registered.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// Discover browses for tokengate servers until ctx is done.
func Discover(ctx context.Context) ([]Endpoint, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		found []Endpoint
		wg    sync.WaitGroup
	)
	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			found = append(found, endpointFromEntry(entry))
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	// zeroconf closes entries once ctx is done.
	<-ctx.Done()
	wg.Wait()

	return found, nil
}

func instanceName(name string) string {
	if name != "" {
		return name
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "tokengate"
}

func txtRecords(cfg Config, name string) []string {
	scheme := "http"
	if cfg.TLS {
		scheme = "https"
	}
	txt := []string{
		"api=" + APIVersion,
		"scheme=" + scheme,
		"name=" + name,
	}
	if cfg.TLS && cfg.Fingerprint != "" {
		txt = append(txt, "fp="+cfg.Fingerprint)
	}
	return txt
}

func endpointFromEntry(entry *zeroconf.ServiceEntry) Endpoint {
	ep := Endpoint{
		Name:   entry.Instance,
		Port:   entry.Port,
		Scheme: "http",
	}
	if len(entry.AddrIPv4) > 0 {
		ep.Host = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		ep.Host = entry.AddrIPv6[0].String()
	}
	applyTXT(&ep, entry.Text)
	return ep
}

func applyTXT(ep *Endpoint, txt []string) {
	for _, record := range txt {
		key, value, ok := strings.Cut(record, "=")
		if !ok {
			continue
		}
		switch key {
		case "api":
			ep.APIVersion = value
		case "scheme":
			ep.Scheme = value
		case "name":
			ep.Name = value
		case "fp":
			ep.Fingerprint = value
		}
	}
}
