package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"capsync/config"
	"capsync/discovery"
	"capsync/events"
	"capsync/storage"
)

func TestConfigShowCreatesConfigInDataDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.DataDirEnv, dir)

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--data-dir", dir, "config", "show"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config show failed: %v", err)
	}

	text := out.String()
	if !strings.HasPrefix(text, "# "+config.ConfigPath(dir)) {
		t.Fatalf("expected config path header, got %q", text)
	}
	if !strings.Contains(text, "server_port: 8889") {
		t.Fatalf("expected default server port in output:\n%s", text)
	}
}

func TestHistoryDevicesReadsStore(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.DataDirEnv, dir)

	store, _, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.UpsertDevice(storage.Device{
		DeviceID:        "cam-1",
		DisplayName:     "Left rig",
		State:           "IDLE",
		ProtocolVersion: 1,
		Modalities:      []string{"rgb"},
		FirstSeen:       1_700_000_000_000,
		LastSeen:        1_700_000_000_000,
	}); err != nil {
		t.Fatalf("upsert device: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"history", "devices"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("history devices failed: %v", err)
	}
	if !strings.Contains(out.String(), "cam-1") || !strings.Contains(out.String(), "Left rig") {
		t.Fatalf("device missing from output:\n%s", out.String())
	}
}

func TestPrintCalibrationListsOffsets(t *testing.T) {
	var out bytes.Buffer
	err := printCalibration(&out, storage.CalibrationRecord{
		SessionID:        "cal-1",
		Kind:             "quick",
		AverageSyncError: 3 * time.Millisecond,
		Threshold:        50 * time.Millisecond,
		Passed:           false,
		Failure:          "device cam-2 lost every probe",
		Offsets: []storage.CalibrationOffset{
			{DeviceID: "cam-1", MedianOffset: 12 * time.Millisecond, Accepted: 5},
		},
	})
	if err != nil {
		t.Fatalf("printCalibration failed: %v", err)
	}
	text := out.String()
	for _, want := range []string{"cal-1 (quick)", "threshold 50ms", "lost every probe", "cam-1", "12ms"} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in:\n%s", want, text)
		}
	}
}

func TestRunSimulatedFleetValidatesOptions(t *testing.T) {
	ctx := context.Background()
	if err := runSimulatedFleet(ctx, simulateOptions{count: 0, address: "127.0.0.1:1"}, nil); err == nil {
		t.Fatalf("expected error for zero nodes")
	}
	if err := runSimulatedFleet(ctx, simulateOptions{count: 1}, nil); err == nil {
		t.Fatalf("expected error without an address")
	}
}

func TestFormatMillis(t *testing.T) {
	if got := formatMillis(0); got != "-" {
		t.Fatalf("expected placeholder for zero, got %q", got)
	}
	if got := formatMillis(1_700_000_000_000); !strings.HasPrefix(got, "2023-11-1") {
		t.Fatalf("unexpected format %q", got)
	}
}

type fakeDirectory struct {
	events chan discovery.Event
	nodes  map[string]discovery.DiscoveredNode
}

func (f *fakeDirectory) Events() <-chan discovery.Event { return f.events }

func (f *fakeDirectory) Lookup(deviceID string) (discovery.DiscoveredNode, bool) {
	node, ok := f.nodes[deviceID]
	return node, ok
}

type recordingNamer struct {
	mu    sync.Mutex
	names map[string]string
}

func (r *recordingNamer) SetDisplayName(deviceID, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[deviceID] = name
	return true
}

func (r *recordingNamer) name(deviceID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.names[deviceID]
}

func TestFollowDiscoveryNamesDevices(t *testing.T) {
	dir := &fakeDirectory{
		events: make(chan discovery.Event),
		nodes: map[string]discovery.DiscoveredNode{
			"cam-1": {DeviceID: "cam-1", DeviceName: "Left rig"},
		},
	}
	namer := &recordingNamer{names: make(map[string]string)}
	attached := make(chan events.Event)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		followDiscovery(ctx, dir, attached, namer, slog.New(slog.NewTextHandler(io.Discard, nil)))
		close(done)
	}()

	// Advertised before the link attached.
	attached <- events.Event{Type: events.DeviceAttached, DeviceID: "cam-1"}
	// Unknown to the scanner.
	attached <- events.Event{Type: events.DeviceAttached, DeviceID: "cam-9"}
	dir.events <- discovery.Event{Type: discovery.EventNodeUpserted, Node: discovery.DiscoveredNode{DeviceID: "cam-2", DeviceName: "Right rig"}}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("followDiscovery did not stop")
	}
	if got := namer.name("cam-1"); got != "Left rig" {
		t.Fatalf("expected cam-1 named from lookup, got %q", got)
	}
	if got := namer.name("cam-2"); got != "Right rig" {
		t.Fatalf("expected cam-2 named from advertisement, got %q", got)
	}
	if _, ok := namer.names["cam-9"]; ok {
		t.Fatalf("unadvertised device must not be named")
	}
}
