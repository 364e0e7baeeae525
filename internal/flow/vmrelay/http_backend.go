package vmrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/config"
	"github.com/kandev/kandev/internal/common/logger"
)

const httpRequestTimeout = 30 * time.Second

// httpBackend talks to a generic VM manager REST API at cfg.ManagerBaseURL,
// the same bearer-token request shape the teacher's sprites.Handler uses
// against the Sprites API.
type httpBackend struct {
	cfg    config.VMRelayConfig
	client *http.Client
	logger *logger.Logger
}

func newHTTPBackend(cfg config.VMRelayConfig, log *logger.Logger) *httpBackend {
	return &httpBackend{cfg: cfg, client: &http.Client{Timeout: httpRequestTimeout}, logger: log}
}

type createVMRequest struct {
	Name string `json:"name"`
	Tier string `json:"tier"`
}

type createVMResponse struct {
	VMID           string `json:"vm_id"`
	WebTerminalURL string `json:"web_terminal_url"`
}

func (b *httpBackend) Create(ctx context.Context, name, tier string) (string, string, error) {
	body, err := json.Marshal(createVMRequest{Name: name, Tier: tier})
	if err != nil {
		return "", "", fmt.Errorf("encode create request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.ManagerBaseURL+"/v1/vms", bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.cfg.ManagerToken)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("create vm request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		return "", "", fmt.Errorf("vm manager returned %d: %s", resp.StatusCode, string(data))
	}

	var out createVMResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("decode create response: %w", err)
	}
	return out.VMID, out.WebTerminalURL, nil
}

func (b *httpBackend) Destroy(ctx context.Context, vmID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.cfg.ManagerBaseURL+"/v1/vms/"+vmID, nil)
	if err != nil {
		return fmt.Errorf("build destroy request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.cfg.ManagerToken)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("destroy vm request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vm manager returned %d: %s", resp.StatusCode, string(data))
	}
	b.logger.Debug("vm destroyed", zap.String("vm_id", vmID))
	return nil
}
