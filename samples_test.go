package flowguard

import (
	"path/filepath"
	"testing"
)

func testSample(seed float64) []float64 {
	features := make([]float64, len(featureNames))
	for i := range features {
		features[i] = seed + float64(i)
	}
	return features
}

func TestSampleStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.db")
	store, err := NewSampleStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	for i := 0; i < 5; i++ {
		if err := store.Append(testSample(float64(i * 100))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	samples, err := store.Load(10)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(samples) != 5 {
		t.Fatalf("got %d samples, want 5", len(samples))
	}
	// Insertion order is preserved.
	if samples[0][0] != 0 || samples[4][0] != 400 {
		t.Errorf("order = %v ... %v", samples[0][0], samples[4][0])
	}

	limited, err := store.Load(2)
	if err != nil {
		t.Fatalf("load limited: %v", err)
	}
	if len(limited) != 2 || limited[0][0] != 300 || limited[1][0] != 400 {
		t.Errorf("limited load should keep the newest samples: %v", limited)
	}
}

func TestSampleStoreSkipsCorruptRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.db")
	store, err := NewSampleStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if err := store.Append(testSample(1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.db.Exec(`INSERT INTO anomaly_samples (features) VALUES ('not json')`); err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}
	if _, err := store.db.Exec(`INSERT INTO anomaly_samples (features) VALUES ('[1,2]')`); err != nil {
		t.Fatalf("insert short row: %v", err)
	}

	samples, err := store.Load(10)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(samples) != 1 || samples[0][0] != 1 {
		t.Errorf("corrupt rows not skipped: %v", samples)
	}
}

func TestSampleStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.db")
	store, err := NewSampleStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Append(testSample(7)); err != nil {
		t.Fatalf("append: %v", err)
	}
	store.Close()

	reopened, err := NewSampleStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	samples, err := reopened.Load(10)
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	if len(samples) != 1 || samples[0][0] != 7 {
		t.Errorf("persisted sample lost: %v", samples)
	}
}
