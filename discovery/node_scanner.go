package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventNodeUpserted is emitted when a node appears or its metadata changes.
	EventNodeUpserted EventType = "node_upserted"
	// EventNodeRemoved is emitted when a node has been missing for StaleAfter.
	EventNodeRemoved EventType = "node_removed"
)

// EventType identifies node discovery updates.
type EventType string

// Event carries discovery updates.
type Event struct {
	Type EventType
	Node DiscoveredNode
}

// DiscoveredNode is a capture node seen on the LAN.
type DiscoveredNode struct {
	DeviceID   string
	DeviceName string
	Modalities []string
	Version    int
	HostName   string
	Port       int
	Addresses  []string
	LastSeen   time.Time
}

// Endpoint returns host:port for the first address, or "" when none is known.
func (n DiscoveredNode) Endpoint() string {
	if len(n.Addresses) == 0 || n.Port <= 0 {
		return ""
	}
	return net.JoinHostPort(n.Addresses[0], strconv.Itoa(n.Port))
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// NodeScanner discovers capture nodes with periodic and manual mDNS browses.
type NodeScanner struct {
	cfg Config

	browse browseFunc

	mu    sync.RWMutex
	nodes map[string]DiscoveredNode

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewNodeScanner creates a scanner with config defaults applied.
func NewNodeScanner(config Config) (*NodeScanner, error) {
	cfg := config.withDefaults()

	browse, err := cfg.browser()
	if err != nil {
		return nil, err
	}

	return &NodeScanner{
		cfg:             cfg,
		browse:          browse,
		nodes:           make(map[string]DiscoveredNode),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *NodeScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop stops background scanning and closes Events.
func (s *NodeScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates. Updates are dropped when
// the consumer falls behind.
func (s *NodeScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan.
func (s *NodeScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("node scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("node scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("node scanner is stopped")
	}
}

// Lookup returns one discovered node.
func (s *NodeScanner) Lookup(deviceID string) (DiscoveredNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[deviceID]
	return node, ok
}

// ListNodes returns the discovered nodes ordered by name, then ID.
func (s *NodeScanner) ListNodes() []DiscoveredNode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredNode, 0, len(s.nodes))
	for _, node := range s.nodes {
		out = append(out, node)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

func (s *NodeScanner) loop() {
	defer s.wg.Done()

	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.runScan(context.Background()); err != nil {
				s.cfg.Logger.Debug("node scan failed", "error", err)
			}
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *NodeScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredNode)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				node, ok := parseNode(entry)
				if !ok {
					continue
				}
				node.LastSeen = s.cfg.now()
				collectedMu.Lock()
				collected[node.DeviceID] = node
				collectedMu.Unlock()
			}
		}
	}()

	browseErr := s.browse(scanCtx, NodeService, s.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	seen := collected
	collectedMu.Unlock()

	s.merge(seen)
	return nil
}

// merge folds one scan into the known set; nodes absent from the scan are
// dropped only once they have been unseen for StaleAfter.
func (s *NodeScanner) merge(seen map[string]DiscoveredNode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.now()
	for id, node := range seen {
		old, exists := s.nodes[id]
		s.nodes[id] = node
		if !exists || !nodesEqual(old, node) {
			s.emitEvent(Event{Type: EventNodeUpserted, Node: node})
		}
	}

	for id, node := range s.nodes {
		if _, ok := seen[id]; ok {
			continue
		}
		if now.Sub(node.LastSeen) >= s.cfg.StaleAfter {
			delete(s.nodes, id)
			s.emitEvent(Event{Type: EventNodeRemoved, Node: node})
		}
	}
}

func (s *NodeScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseNode(entry *zeroconf.ServiceEntry) (DiscoveredNode, bool) {
	if entry == nil {
		return DiscoveredNode{}, false
	}
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" {
		return DiscoveredNode{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	var modalities []string
	for _, m := range strings.Split(txt["modalities"], ",") {
		if m = strings.TrimSpace(m); m != "" {
			modalities = append(modalities, m)
		}
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return DiscoveredNode{
		DeviceID:   deviceID,
		DeviceName: name,
		Modalities: modalities,
		Version:    version,
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  entryAddresses(entry),
	}, true
}

func entryAddresses(entry *zeroconf.ServiceEntry) []string {
	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)
	return addresses
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func nodesEqual(a, b DiscoveredNode) bool {
	if a.DeviceID != b.DeviceID ||
		a.DeviceName != b.DeviceName ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) ||
		len(a.Modalities) != len(b.Modalities) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	for i := range a.Modalities {
		if a.Modalities[i] != b.Modalities[i] {
			return false
		}
	}
	return true
}
