// Package discovery advertises the coordinator over mDNS and browses the LAN
// for capture nodes.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"capsync/protocol"
)

const (
	// CoordinatorService is the service coordinators advertise.
	CoordinatorService = "_capsync._tcp"
	// NodeService is the service capture nodes advertise.
	NodeService = "_capsync-node._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultRefreshInterval is the background node discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS advertisement and scanning.
type Config struct {
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	// StaleAfter is how long a node missing from scans is kept. Defaults to
	// three refresh intervals.
	StaleAfter time.Duration

	CoordinatorID   string
	CoordinatorName string
	// Port is the TCP port capture nodes connect to.
	Port int
	// DiscoveryPort is published in TXT for nodes that probe it directly.
	DiscoveryPort int

	Logger *slog.Logger

	registerFn registerFunc
	browseFn   browseFunc
	now        func() time.Time
}

func (c Config) withDefaults() Config {
	out := c
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = 3 * out.RefreshInterval
	}
	if out.DiscoveryPort == 0 {
		out.DiscoveryPort = out.Port
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

func (c Config) browser() (browseFunc, error) {
	if c.browseFn != nil {
		return c.browseFn, nil
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mDNS resolver: %w", err)
	}
	return resolver.Browse, nil
}

// NodeInfo is what a capture node publishes about itself.
type NodeInfo struct {
	DeviceID   string
	DeviceName string
	Modalities []string
	Port       int
}

// Broadcaster advertises one mDNS service instance.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartCoordinatorBroadcaster advertises the coordinator.
func StartCoordinatorBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.CoordinatorID) == "" {
		return nil, errors.New("coordinator ID is required")
	}
	if cfg.Port <= 0 {
		return nil, errors.New("port must be > 0")
	}
	name := strings.TrimSpace(cfg.CoordinatorName)
	if name == "" {
		name = cfg.CoordinatorID
	}

	txt := []string{
		"coordinator_id=" + cfg.CoordinatorID,
		"version=" + strconv.Itoa(protocol.ProtocolVersion),
		"discovery_port=" + strconv.Itoa(cfg.DiscoveryPort),
	}
	return register(cfg, name, CoordinatorService, cfg.Port, txt)
}

// StartNodeBroadcaster advertises a capture node.
func StartNodeBroadcaster(config Config, node NodeInfo) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(node.DeviceID) == "" {
		return nil, errors.New("device ID is required")
	}
	if node.Port <= 0 {
		return nil, errors.New("port must be > 0")
	}
	name := strings.TrimSpace(node.DeviceName)
	if name == "" {
		name = node.DeviceID
	}

	txt := []string{
		"device_id=" + node.DeviceID,
		"version=" + strconv.Itoa(protocol.ProtocolVersion),
		"modalities=" + strings.Join(node.Modalities, ","),
	}
	return register(cfg, name, NodeService, node.Port, txt)
}

func register(cfg Config, instance, service string, port int, txt []string) (*Broadcaster, error) {
	server, err := cfg.registerFn(instance, service, cfg.Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service %s: %w", service, err)
	}
	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Service coordinates coordinator advertisement and node scanning.
type Service struct {
	Broadcaster *Broadcaster
	Scanner     *NodeScanner
}

// Start starts the coordinator broadcaster and the node scanner using one
// config.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	broadcaster, err := StartCoordinatorBroadcaster(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewNodeScanner(cfg)
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		broadcaster.Stop()
		return nil, err
	}

	return &Service{
		Broadcaster: broadcaster,
		Scanner:     scanner,
	}, nil
}

// Stop stops scanner and broadcaster.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Broadcaster != nil {
		s.Broadcaster.Stop()
	}
}

// CoordinatorEndpoint is a discovered coordinator.
type CoordinatorEndpoint struct {
	CoordinatorID string
	Name          string
	Version       int
	Address       string
}

// ErrNoCoordinator indicates a lookup that found nothing before its deadline.
var ErrNoCoordinator = errors.New("discovery: no coordinator found")

// LookupCoordinator browses for a coordinator and returns the first one
// found. The wait is bounded by ScanTimeout and ctx.
func LookupCoordinator(ctx context.Context, config Config) (CoordinatorEndpoint, error) {
	cfg := config.withDefaults()
	browse, err := cfg.browser()
	if err != nil {
		return CoordinatorEndpoint{}, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	browseErr := make(chan error, 1)
	go func() {
		browseErr <- browse(scanCtx, CoordinatorService, cfg.Domain, entries)
	}()

	for {
		select {
		case entry := <-entries:
			if endpoint, ok := parseCoordinator(entry); ok {
				return endpoint, nil
			}
		case err := <-browseErr:
			if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				return CoordinatorEndpoint{}, fmt.Errorf("browse coordinators: %w", err)
			}
			browseErr = nil
		case <-scanCtx.Done():
			if err := ctx.Err(); err != nil {
				return CoordinatorEndpoint{}, err
			}
			return CoordinatorEndpoint{}, ErrNoCoordinator
		}
	}
}

func parseCoordinator(entry *zeroconf.ServiceEntry) (CoordinatorEndpoint, bool) {
	if entry == nil {
		return CoordinatorEndpoint{}, false
	}
	txt := txtToMap(entry.Text)
	id := txt["coordinator_id"]
	addresses := entryAddresses(entry)
	if id == "" || len(addresses) == 0 || entry.Port <= 0 {
		return CoordinatorEndpoint{}, false
	}
	version, _ := strconv.Atoi(txt["version"])
	return CoordinatorEndpoint{
		CoordinatorID: id,
		Name:          strings.TrimSpace(entry.Instance),
		Version:       version,
		Address:       net.JoinHostPort(addresses[0], strconv.Itoa(entry.Port)),
	}, true
}
