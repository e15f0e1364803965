package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestNodeScannerManualRefreshAddsNodes(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("", "Anonymous", 9999, "10.0.0.1")
			entries <- testServiceEntry("cam-1", "Left rig", 9998, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("cam-2", "Right rig", 9997, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewNodeScanner(cfg)
	if err != nil {
		t.Fatalf("NewNodeScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		nodes := scanner.ListNodes()
		return len(nodes) == 1 && nodes[0].DeviceID == "cam-1"
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		return len(scanner.ListNodes()) == 2
	})

	node, ok := scanner.Lookup("cam-1")
	if !ok {
		t.Fatalf("expected cam-1 to be known")
	}
	if node.Endpoint() != "10.0.0.2:9998" {
		t.Fatalf("unexpected endpoint %q", node.Endpoint())
	}
	if len(node.Modalities) != 2 || node.Modalities[1] != "thermal" {
		t.Fatalf("unexpected modalities %v", node.Modalities)
	}
}

func TestNodeScannerRemovesStaleNodes(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		StaleAfter:      80 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("cam-1", "Left rig", 9998, "10.0.0.2")
			}
			entries <- testServiceEntry("cam-2", "Right rig", 9997, "10.0.0.3")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewNodeScanner(cfg)
	if err != nil {
		t.Fatalf("NewNodeScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	if !waitForEvent(scanner.Events(), EventNodeRemoved, "cam-1", 2*time.Second) {
		t.Fatalf("expected removal event for cam-1")
	}
	nodes := scanner.ListNodes()
	if len(nodes) != 1 || nodes[0].DeviceID != "cam-2" {
		t.Fatalf("unexpected nodes after removal: %+v", nodes)
	}
}

func TestNodeScannerRefreshIgnoresDeadlineExceededFromBrowse(t *testing.T) {
	cfg := Config{
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("cam-1", "Left rig", 9998, "10.0.0.2")
			<-ctx.Done()
			return ctx.Err()
		},
	}

	scanner, err := NewNodeScanner(cfg)
	if err != nil {
		t.Fatalf("NewNodeScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
}

func TestNodeScannerRefreshBeforeStart(t *testing.T) {
	scanner, err := NewNodeScanner(Config{browseFn: func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error { return nil }})
	if err != nil {
		t.Fatalf("NewNodeScanner failed: %v", err)
	}
	if err := scanner.Refresh(context.Background()); err == nil {
		t.Fatalf("expected error before Start")
	}
}

func testServiceEntry(deviceID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  NodeService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			"device_id=" + deviceID,
			"version=1",
			"modalities=rgb, thermal",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, deviceID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Node.DeviceID == deviceID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
