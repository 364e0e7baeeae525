package vmrelay

import (
	"context"
	"fmt"

	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/config"
	"github.com/kandev/kandev/internal/common/logger"
)

// ttydRemotePort is the port the prepare script binds ttyd to inside the
// sprite, matching the teacher's convention of proxying a single fixed
// remote port (see executor_sprites.go's agentctl control-port proxy).
const ttydRemotePort = 7681

// spritesBackend provisions VMs on Sprites.dev, grounded on
// internal/agent/lifecycle/executor_sprites.go's createSprite/Destroy
// calls, but exposes a ttyd web-terminal endpoint via ProxyPort instead of
// the agentctl control-plane that executor uses.
type spritesBackend struct {
	cfg    config.VMRelayConfig
	client *sprites.Client
	logger *logger.Logger
}

func newSpritesBackend(cfg config.VMRelayConfig, log *logger.Logger) *spritesBackend {
	return &spritesBackend{
		cfg:    cfg,
		client: sprites.New(cfg.ManagerToken),
		logger: log,
	}
}

func (b *spritesBackend) Create(ctx context.Context, name, tier string) (string, string, error) {
	sprite, err := b.client.CreateSprite(ctx, name, nil)
	if err != nil {
		return "", "", fmt.Errorf("create sprite %q: %w", name, err)
	}

	localPort, err := getFreePort()
	if err != nil {
		return "", "", fmt.Errorf("allocate local port for %q: %w", name, err)
	}
	if _, err := sprite.ProxyPort(ctx, localPort, ttydRemotePort); err != nil {
		return "", "", fmt.Errorf("proxy ttyd port for %q: %w", name, err)
	}

	webTerminalURL := fmt.Sprintf("http://127.0.0.1:%d", localPort)
	b.logger.Info("sprite provisioned", zap.String("name", name), zap.String("web_terminal_url", webTerminalURL))
	return name, webTerminalURL, nil
}

func (b *spritesBackend) Destroy(ctx context.Context, vmID string) error {
	sprite := b.client.Sprite(vmID)
	if err := sprite.Destroy(); err != nil {
		return fmt.Errorf("destroy sprite %q: %w", vmID, err)
	}
	b.logger.Info("sprite destroyed", zap.String("name", vmID))
	return nil
}
