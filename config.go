package flowguard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the engine configuration, loaded from a YAML file with
// environment overrides for endpoints and credentials.
type Config struct {
	Server struct {
		Port     string `yaml:"port"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"server"`
	Database struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Name     string `yaml:"name"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"database"`
	RabbitMQ struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Queue    string `yaml:"queue"`
	} `yaml:"rabbitmq"`
	Redis struct {
		Addr    string `yaml:"addr"`
		Channel string `yaml:"channel"`
	} `yaml:"redis"`
	DeviceManager struct {
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"device_manager"`
	Collectors struct {
		NetFlow struct {
			Listen  string `yaml:"listen"`
			Workers int    `yaml:"workers"`
			Enabled bool   `yaml:"enabled"`
		} `yaml:"netflow"`
	} `yaml:"collectors"`
	Detection struct {
		AnalysisIntervalSeconds int    `yaml:"analysis_interval_seconds"`
		IdleTimeoutSeconds      int    `yaml:"idle_timeout_seconds"`
		MaxSources              int    `yaml:"max_sources"`
		ThresholdsFile          string `yaml:"thresholds_file"`
	} `yaml:"detection"`
	Anomaly struct {
		SamplesPath string `yaml:"samples_path"`
	} `yaml:"anomaly"`
	AutoMitigation struct {
		Enabled     bool   `yaml:"enabled"`
		MinSeverity string `yaml:"min_severity"`
		Strategy    string `yaml:"strategy"`
	} `yaml:"auto_mitigation"`
	Notifications struct {
		MinSeverity string          `yaml:"min_severity"`
		Webhooks    []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notifications"`
}

// LoadConfig reads the YAML config file when path is non-empty, then applies
// defaults and environment overrides. A missing path yields a pure
// defaults-plus-env configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8084"
	}
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.Name == "" {
		c.Database.Name = "flowguard"
	}
	if c.Database.User == "" {
		c.Database.User = "flowguard"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.RabbitMQ.Host == "" {
		c.RabbitMQ.Host = "localhost"
	}
	if c.RabbitMQ.Port == 0 {
		c.RabbitMQ.Port = 5672
	}
	if c.RabbitMQ.Queue == "" {
		c.RabbitMQ.Queue = "flow.records"
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "flowguard.threats"
	}
	if c.DeviceManager.URL == "" {
		c.DeviceManager.URL = "http://localhost:8083"
	}
	if c.DeviceManager.TimeoutSeconds == 0 {
		c.DeviceManager.TimeoutSeconds = 30
	}
	if c.Collectors.NetFlow.Listen == "" {
		c.Collectors.NetFlow.Listen = ":2055"
	}
	if c.Collectors.NetFlow.Workers == 0 {
		c.Collectors.NetFlow.Workers = 2
	}
	if c.Detection.AnalysisIntervalSeconds == 0 {
		c.Detection.AnalysisIntervalSeconds = 10
	}
	if c.Detection.IdleTimeoutSeconds == 0 {
		c.Detection.IdleTimeoutSeconds = 60
	}
	if c.Detection.MaxSources == 0 {
		c.Detection.MaxSources = defaultMaxSources
	}
	if c.AutoMitigation.MinSeverity == "" {
		c.AutoMitigation.MinSeverity = SeverityCritical
	}
	if c.AutoMitigation.Strategy == "" {
		c.AutoMitigation.Strategy = string(MitigationBlackhole)
	}
	if c.Notifications.MinSeverity == "" {
		c.Notifications.MinSeverity = SeverityHigh
	}
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvInt("DB_PORT", c.Database.Port)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.RabbitMQ.Host = getEnv("RABBITMQ_HOST", c.RabbitMQ.Host)
	c.RabbitMQ.Port = getEnvInt("RABBITMQ_PORT", c.RabbitMQ.Port)
	c.RabbitMQ.User = getEnv("RABBITMQ_USER", c.RabbitMQ.User)
	c.RabbitMQ.Password = getEnv("RABBITMQ_PASS", c.RabbitMQ.Password)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.DeviceManager.URL = getEnv("DEVICE_MANAGER_URL", c.DeviceManager.URL)
}

// DatabaseDSN renders the lib/pq connection string.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.Name,
		c.Database.User, c.Database.Password, c.Database.SSLMode)
}

// AMQPURL renders the RabbitMQ connection URL.
func (c *Config) AMQPURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/",
		c.RabbitMQ.User, c.RabbitMQ.Password, c.RabbitMQ.Host, c.RabbitMQ.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// Thresholds is one coherent set of detection thresholds. The analyzer reads
// a whole set per tick; partial updates are never observable.
type Thresholds struct {
	PPSThreshold         float64 `yaml:"pps_threshold" json:"pps_threshold"`
	BPSThreshold         float64 `yaml:"bps_threshold" json:"bps_threshold"`
	ConnectionsThreshold int     `yaml:"connections_threshold" json:"connections_threshold"`
	SYNRatioThreshold    float64 `yaml:"syn_ratio_threshold" json:"syn_ratio_threshold"`
	UDPRatioThreshold    float64 `yaml:"udp_ratio_threshold" json:"udp_ratio_threshold"`
	ICMPRatioThreshold   float64 `yaml:"icmp_ratio_threshold" json:"icmp_ratio_threshold"`
}

// DefaultThresholds returns the stock threshold set.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PPSThreshold:         10000,
		BPSThreshold:         100000000,
		ConnectionsThreshold: 1000,
		SYNRatioThreshold:    0.8,
		UDPRatioThreshold:    0.7,
		ICMPRatioThreshold:   0.5,
	}
}

// Validate rejects sets the analyzer could not use: non-positive rate and
// connection thresholds, ratios outside (0, 1].
func (t Thresholds) Validate() error {
	if t.PPSThreshold <= 0 {
		return fmt.Errorf("pps_threshold must be positive, got %v", t.PPSThreshold)
	}
	if t.BPSThreshold <= 0 {
		return fmt.Errorf("bps_threshold must be positive, got %v", t.BPSThreshold)
	}
	if t.ConnectionsThreshold <= 0 {
		return fmt.Errorf("connections_threshold must be positive, got %d", t.ConnectionsThreshold)
	}
	for name, ratio := range map[string]float64{
		"syn_ratio_threshold":  t.SYNRatioThreshold,
		"udp_ratio_threshold":  t.UDPRatioThreshold,
		"icmp_ratio_threshold": t.ICMPRatioThreshold,
	} {
		if ratio <= 0 || ratio > 1 {
			return fmt.Errorf("%s must be in (0, 1], got %v", name, ratio)
		}
	}
	return nil
}

// ThresholdStore holds the live threshold set behind an atomic pointer so
// updates from the config watcher or the API swap in whole sets without
// pausing analysis.
type ThresholdStore struct {
	current atomic.Pointer[Thresholds]
	path    string
	logger  *zap.Logger
}

// NewThresholdStore seeds the store with defaults overlaid by the YAML file
// at path, when one is configured. Environment variables override individual
// keys the way the rest of the config does.
func NewThresholdStore(path string, logger *zap.Logger) (*ThresholdStore, error) {
	s := &ThresholdStore{path: path, logger: logger}
	set := DefaultThresholds()
	if path != "" {
		loaded, err := loadThresholdFile(path)
		if err != nil {
			return nil, err
		}
		set = loaded
	}
	applyThresholdEnv(&set)
	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("thresholds: %w", err)
	}
	s.current.Store(&set)
	return s, nil
}

func loadThresholdFile(path string) (Thresholds, error) {
	set := DefaultThresholds()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return set, nil
		}
		return set, fmt.Errorf("read thresholds %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &set); err != nil {
		return set, fmt.Errorf("parse thresholds %s: %w", path, err)
	}
	return set, nil
}

func applyThresholdEnv(t *Thresholds) {
	t.PPSThreshold = getEnvFloat("PPS_THRESHOLD", t.PPSThreshold)
	t.BPSThreshold = getEnvFloat("BPS_THRESHOLD", t.BPSThreshold)
	t.ConnectionsThreshold = getEnvInt("CONN_THRESHOLD", t.ConnectionsThreshold)
	t.SYNRatioThreshold = getEnvFloat("SYN_RATIO_THRESHOLD", t.SYNRatioThreshold)
	t.UDPRatioThreshold = getEnvFloat("UDP_RATIO_THRESHOLD", t.UDPRatioThreshold)
	t.ICMPRatioThreshold = getEnvFloat("ICMP_RATIO_THRESHOLD", t.ICMPRatioThreshold)
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

// Current returns the live threshold set.
func (s *ThresholdStore) Current() Thresholds {
	return *s.current.Load()
}

// Update validates and swaps in a new set. Invalid sets are rejected and the
// prior set stays live.
func (s *ThresholdStore) Update(set Thresholds) error {
	if err := set.Validate(); err != nil {
		return err
	}
	s.current.Store(&set)
	return nil
}

// Watch reloads the threshold file on every write event until ctx is
// cancelled. Editors that replace the file (rename+create) are handled by
// watching the parent directory.
func (s *ThresholdStore) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("threshold watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		var last time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				// Editors fire bursts of events per save; one reload per
				// burst is enough.
				if time.Since(last) < 100*time.Millisecond {
					continue
				}
				last = time.Now()
				s.reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("threshold watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

func (s *ThresholdStore) reload() {
	set, err := loadThresholdFile(s.path)
	if err != nil {
		s.logger.Warn("threshold reload failed, keeping current set", zap.Error(err))
		return
	}
	applyThresholdEnv(&set)
	if err := s.Update(set); err != nil {
		s.logger.Warn("threshold reload rejected, keeping current set", zap.Error(err))
		return
	}
	s.logger.Info("detection thresholds reloaded",
		zap.Float64("pps_threshold", set.PPSThreshold),
		zap.Float64("bps_threshold", set.BPSThreshold),
		zap.Int("connections_threshold", set.ConnectionsThreshold))
}
