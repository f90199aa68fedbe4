package flowguard

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "8084" {
		t.Errorf("port = %s, want 8084", cfg.Server.Port)
	}
	if cfg.Database.Port != 5432 || cfg.Database.SSLMode != "disable" {
		t.Errorf("database defaults = %d/%s", cfg.Database.Port, cfg.Database.SSLMode)
	}
	if cfg.RabbitMQ.Queue != "flow.records" {
		t.Errorf("queue = %s, want flow.records", cfg.RabbitMQ.Queue)
	}
	if cfg.Detection.AnalysisIntervalSeconds != 10 || cfg.Detection.MaxSources != defaultMaxSources {
		t.Errorf("detection defaults = %d/%d", cfg.Detection.AnalysisIntervalSeconds, cfg.Detection.MaxSources)
	}
	if cfg.AutoMitigation.MinSeverity != SeverityCritical {
		t.Errorf("auto mitigation floor = %s, want critical", cfg.AutoMitigation.MinSeverity)
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	config := `
server:
  port: "9000"
database:
  host: db.internal
  name: threats
rabbitmq:
  host: mq.internal
`
	if err := os.WriteFile(path, []byte(config), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DB_PASSWORD", "hunter2")
	t.Setenv("DB_PORT", "5433")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "9000" || cfg.Database.Host != "db.internal" {
		t.Errorf("file values not applied: %s/%s", cfg.Server.Port, cfg.Database.Host)
	}
	if cfg.Database.Password != "hunter2" || cfg.Database.Port != 5433 {
		t.Errorf("env overrides not applied")
	}

	dsn := cfg.DatabaseDSN()
	want := "host=db.internal port=5433 dbname=threats user=flowguard password=hunter2 sslmode=disable"
	if dsn != want {
		t.Errorf("dsn = %q, want %q", dsn, want)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing explicit config file accepted")
	}
}

func TestThresholdsValidate(t *testing.T) {
	if err := DefaultThresholds().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Thresholds)
	}{
		{"zero pps", func(set *Thresholds) { set.PPSThreshold = 0 }},
		{"negative bps", func(set *Thresholds) { set.BPSThreshold = -1 }},
		{"zero connections", func(set *Thresholds) { set.ConnectionsThreshold = 0 }},
		{"zero syn ratio", func(set *Thresholds) { set.SYNRatioThreshold = 0 }},
		{"udp ratio above one", func(set *Thresholds) { set.UDPRatioThreshold = 1.5 }},
		{"negative icmp ratio", func(set *Thresholds) { set.ICMPRatioThreshold = -0.1 }},
	}
	for _, tc := range cases {
		set := DefaultThresholds()
		tc.mutate(&set)
		if err := set.Validate(); err == nil {
			t.Errorf("%s: invalid set accepted", tc.name)
		}
	}
}

func TestThresholdStoreUpdate(t *testing.T) {
	store, err := NewThresholdStore("", zap.NewNop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if store.Current() != DefaultThresholds() {
		t.Fatalf("initial set = %+v, want defaults", store.Current())
	}

	updated := DefaultThresholds()
	updated.PPSThreshold = 50000
	if err := store.Update(updated); err != nil {
		t.Fatalf("update: %v", err)
	}
	if store.Current().PPSThreshold != 50000 {
		t.Errorf("update not visible")
	}

	// A rejected update keeps the prior set live.
	broken := DefaultThresholds()
	broken.SYNRatioThreshold = 2
	if err := store.Update(broken); err == nil {
		t.Fatal("invalid set accepted")
	}
	if store.Current().PPSThreshold != 50000 {
		t.Errorf("rejected update replaced the live set")
	}
}

func TestThresholdStoreFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	if err := os.WriteFile(path, []byte("pps_threshold: 20000\nsyn_ratio_threshold: 0.9\n"), 0o644); err != nil {
		t.Fatalf("write thresholds: %v", err)
	}

	store, err := NewThresholdStore(path, zap.NewNop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	set := store.Current()
	// File values override, unlisted keys keep their defaults.
	if set.PPSThreshold != 20000 || set.SYNRatioThreshold != 0.9 {
		t.Errorf("file values not applied: %+v", set)
	}
	if set.BPSThreshold != DefaultThresholds().BPSThreshold {
		t.Errorf("unlisted key lost its default: %+v", set)
	}

	// A missing thresholds file is not an error; defaults apply.
	store, err = NewThresholdStore(filepath.Join(t.TempDir(), "absent.yaml"), zap.NewNop())
	if err != nil {
		t.Fatalf("store with missing file: %v", err)
	}
	if store.Current() != DefaultThresholds() {
		t.Errorf("missing file should fall back to defaults")
	}
}
