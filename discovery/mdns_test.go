package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

type registration struct {
	instance string
	service  string
	domain   string
	port     int
	txt      []string
}

func recordingRegister(got *registration) registerFunc {
	return func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
		*got = registration{instance: instance, service: service, domain: domain, port: port, txt: append([]string(nil), text...)}
		return nil, nil
	}
}

func TestStartCoordinatorBroadcasterBuildsExpectedTXTRecords(t *testing.T) {
	var got registration
	cfg := Config{
		CoordinatorID:   "coord-1",
		CoordinatorName: "Stage Left",
		Port:            8889,
		DiscoveryPort:   8888,
		registerFn:      recordingRegister(&got),
	}

	broadcaster, err := StartCoordinatorBroadcaster(cfg)
	if err != nil {
		t.Fatalf("StartCoordinatorBroadcaster failed: %v", err)
	}
	if broadcaster == nil {
		t.Fatalf("expected broadcaster instance")
	}
	broadcaster.Stop()

	if got.instance != "Stage Left" {
		t.Fatalf("unexpected instance name: %q", got.instance)
	}
	if got.service != CoordinatorService {
		t.Fatalf("unexpected service: %q", got.service)
	}
	if got.domain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", got.domain)
	}
	if got.port != 8889 {
		t.Fatalf("unexpected port: %d", got.port)
	}
	assertContainsTXT(t, got.txt, "coordinator_id=coord-1")
	assertContainsTXT(t, got.txt, "version=1")
	assertContainsTXT(t, got.txt, "discovery_port=8888")
}

func TestStartNodeBroadcasterPublishesModalities(t *testing.T) {
	var got registration
	b, err := StartNodeBroadcaster(Config{registerFn: recordingRegister(&got)}, NodeInfo{
		DeviceID:   "cam-1",
		Modalities: []string{"rgb", "thermal"},
		Port:       9100,
	})
	if err != nil {
		t.Fatalf("StartNodeBroadcaster failed: %v", err)
	}
	b.Stop()

	if got.service != NodeService || got.instance != "cam-1" {
		t.Fatalf("unexpected registration: %+v", got)
	}
	assertContainsTXT(t, got.txt, "device_id=cam-1")
	assertContainsTXT(t, got.txt, "modalities=rgb,thermal")
}

func TestBroadcastersValidateInput(t *testing.T) {
	var got registration
	if _, err := StartCoordinatorBroadcaster(Config{Port: 1, registerFn: recordingRegister(&got)}); err == nil {
		t.Fatalf("expected error for missing coordinator ID")
	}
	if _, err := StartCoordinatorBroadcaster(Config{CoordinatorID: "c", registerFn: recordingRegister(&got)}); err == nil {
		t.Fatalf("expected error for missing port")
	}
	if _, err := StartNodeBroadcaster(Config{registerFn: recordingRegister(&got)}, NodeInfo{Port: 1}); err == nil {
		t.Fatalf("expected error for missing device ID")
	}

	failing := Config{
		CoordinatorID: "c",
		Port:          1,
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			return nil, errors.New("no multicast")
		},
	}
	if _, err := StartCoordinatorBroadcaster(failing); err == nil {
		t.Fatalf("expected register error to surface")
	}
}

func TestServiceStartAndStop(t *testing.T) {
	var got registration
	cfg := Config{
		CoordinatorID: "self",
		Port:          9999,
		registerFn:    recordingRegister(&got),
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	}

	svc, err := Start(cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if svc.Broadcaster == nil || svc.Scanner == nil {
		t.Fatalf("expected broadcaster and scanner")
	}
	svc.Stop()
	svc.Stop()
}

func TestConfigWithDefaultsDerivesStaleAfterAndDiscoveryPort(t *testing.T) {
	cfg := Config{RefreshInterval: 10 * time.Second, Port: 8889}.withDefaults()
	if cfg.StaleAfter != 30*time.Second {
		t.Fatalf("expected stale after 30s, got %s", cfg.StaleAfter)
	}
	if cfg.DiscoveryPort != 8889 {
		t.Fatalf("expected discovery port to follow port, got %d", cfg.DiscoveryPort)
	}
	if cfg.Domain != DefaultDomain || cfg.ScanTimeout != DefaultScanTimeout {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLookupCoordinatorReturnsFirstValidEntry(t *testing.T) {
	cfg := Config{
		ScanTimeout: time.Second,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if service != CoordinatorService {
				t.Errorf("unexpected service %q", service)
			}
			entries <- &zeroconf.ServiceEntry{Text: []string{"version=1"}, Port: 1}
			entries <- &zeroconf.ServiceEntry{
				ServiceRecord: zeroconf.ServiceRecord{Instance: "Stage Left"},
				Port:          8889,
				Text:          []string{"coordinator_id=coord-1", "version=1"},
				AddrIPv4:      []net.IP{net.ParseIP("10.0.0.5")},
			}
			<-ctx.Done()
			return nil
		},
	}

	endpoint, err := LookupCoordinator(context.Background(), cfg)
	if err != nil {
		t.Fatalf("LookupCoordinator failed: %v", err)
	}
	if endpoint.CoordinatorID != "coord-1" || endpoint.Address != "10.0.0.5:8889" || endpoint.Version != 1 {
		t.Fatalf("unexpected endpoint: %+v", endpoint)
	}
}

func TestLookupCoordinatorTimesOut(t *testing.T) {
	cfg := Config{
		ScanTimeout: 30 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}

	if _, err := LookupCoordinator(context.Background(), cfg); !errors.Is(err, ErrNoCoordinator) {
		t.Fatalf("expected ErrNoCoordinator, got %v", err)
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
