package flowguard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Device is one managed network device as reported by the device manager.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
	Type string `json:"type,omitempty"`
}

// DeviceFilter narrows a device lookup by role or type. Exactly one field
// is expected to be set.
type DeviceFilter struct {
	Role string
	Type string
}

// DeviceManager is the capability surface the mitigation engine consumes:
// resolve a device set, push configuration to one device.
type DeviceManager interface {
	ListDevices(ctx context.Context, filter DeviceFilter) ([]Device, error)
	DeployConfiguration(ctx context.Context, deviceID, configuration string) error
}

// HTTPDeviceManager talks to the device-manager service over its REST API.
type HTTPDeviceManager struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewHTTPDeviceManager(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPDeviceManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDeviceManager{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (m *HTTPDeviceManager) ListDevices(ctx context.Context, filter DeviceFilter) ([]Device, error) {
	query := url.Values{}
	if filter.Role != "" {
		query.Set("role", filter.Role)
	}
	if filter.Type != "" {
		query.Set("type", filter.Type)
	}
	endpoint := fmt.Sprintf("%s/api/v1/devices/search?%s", m.baseURL, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("list devices: device manager returned %s", resp.Status)
	}
	var payload struct {
		Devices []Device `json:"devices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("list devices: decode response: %w", err)
	}
	return payload.Devices, nil
}

func (m *HTTPDeviceManager) DeployConfiguration(ctx context.Context, deviceID, configuration string) error {
	body, err := json.Marshal(map[string]string{
		"configuration": configuration,
		"method":        "merge",
	})
	if err != nil {
		return fmt.Errorf("deploy to %s: %w", deviceID, err)
	}
	endpoint := fmt.Sprintf("%s/api/v1/devices/%s/config", m.baseURL, url.PathEscape(deviceID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("deploy to %s: %w", deviceID, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("deploy to %s: %w", deviceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("deploy to %s: device manager returned %s: %s", deviceID, resp.Status, detail)
	}
	m.logger.Info("configuration deployed", zap.String("device_id", deviceID))
	return nil
}
