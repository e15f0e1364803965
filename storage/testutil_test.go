package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustUpsertDevice(t *testing.T, store *Store, deviceID, state string, lastSeen int64) {
	t.Helper()

	err := store.UpsertDevice(Device{
		DeviceID:        deviceID,
		DisplayName:     "node " + deviceID,
		State:           state,
		ProtocolVersion: 1,
		Modalities:      []string{"rgb", "thermal"},
		LastSeen:        lastSeen,
	})
	if err != nil {
		t.Fatalf("upsert device %q: %v", deviceID, err)
	}
}

func int64Ref(v int64) *int64 {
	return &v
}
