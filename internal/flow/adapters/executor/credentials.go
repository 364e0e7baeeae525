package executor

import (
	"context"
	"fmt"

	"github.com/kandev/kandev/internal/secrets"
)

// SecretCredentials adapts internal/secrets.SecretStore to the VMSandbox
// executor's CredentialSource, looking up each agent's OAuth token and
// optional credentials-file JSON by a fixed env-key naming convention.
type SecretCredentials struct {
	store secrets.SecretStore
}

// NewSecretCredentials constructs a SecretCredentials source.
func NewSecretCredentials(store secrets.SecretStore) *SecretCredentials {
	return &SecretCredentials{store: store}
}

func oauthEnvKey(agentID string) string {
	switch agentID {
	case "claude-code":
		return "CLAUDE_CODE_OAUTH_TOKEN"
	default:
		return agentID + "_OAUTH_TOKEN"
	}
}

func credentialsEnvKey(agentID string) string {
	switch agentID {
	case "claude-code":
		return "CLAUDE_CODE_CREDENTIALS_JSON"
	default:
		return agentID + "_CREDENTIALS_JSON"
	}
}

// OAuthToken implements executor.CredentialSource.
func (s *SecretCredentials) OAuthToken(agentID string) (string, error) {
	token, err := s.store.RevealByEnvKey(context.Background(), oauthEnvKey(agentID))
	if err != nil {
		return "", fmt.Errorf("resolve oauth token for %s: %w", agentID, err)
	}
	return token, nil
}

// CredentialsJSON implements executor.CredentialSource. A missing
// credentials-file secret is not an error — not every agent needs one.
func (s *SecretCredentials) CredentialsJSON(agentID string) ([]byte, error) {
	value, err := s.store.RevealByEnvKey(context.Background(), credentialsEnvKey(agentID))
	if err != nil {
		return nil, nil
	}
	return []byte(value), nil
}
