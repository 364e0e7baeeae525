package vmrelay

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"
)

const credentialInjectTimeout = 20 * time.Second

// InjectCredentials updates the shell-rc's CLAUDE_CODE_OAUTH_TOKEN export
// (replacing any existing line), writes the credentials JSON (if any) to a
// per-user file with mode 0600, and re-sources the shell-rc. Both payloads
// are base64-encoded at the shell boundary to avoid quoting hazards, per
// spec §4.5.
func InjectCredentials(ctx context.Context, sess *Session, shellRCPath, credentialsPath, oauthToken string, credentialsJSON []byte) error {
	exportLine := "export CLAUDE_CODE_OAUTH_TOKEN='" + oauthToken + "'"
	exportLineB64 := base64.StdEncoding.EncodeToString([]byte(exportLine))

	updateRC := fmt.Sprintf(
		"grep -v '^export CLAUDE_CODE_OAUTH_TOKEN=' %s > %s.tmp 2>/dev/null; "+
			"echo %s | base64 -d >> %s.tmp; mv %s.tmp %s",
		shellRCPath, shellRCPath, exportLineB64, shellRCPath, shellRCPath, shellRCPath)
	if _, err := sess.Run(ctx, updateRC, credentialInjectTimeout); err != nil {
		return fmt.Errorf("update shell rc: %w", err)
	}

	if len(credentialsJSON) > 0 {
		credsB64 := base64.StdEncoding.EncodeToString(credentialsJSON)
		writeCreds := fmt.Sprintf(
			"echo %s | base64 -d > %s && chmod 600 %s",
			credsB64, credentialsPath, credentialsPath)
		if _, err := sess.Run(ctx, writeCreds, credentialInjectTimeout); err != nil {
			return fmt.Errorf("write credentials file: %w", err)
		}
	}

	if _, err := sess.Run(ctx, "source "+shellRCPath, credentialInjectTimeout); err != nil {
		return fmt.Errorf("re-source shell rc: %w", err)
	}
	return nil
}
