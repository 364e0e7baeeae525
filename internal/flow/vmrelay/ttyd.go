package vmrelay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	promptWaitTime = 15 * time.Second

	// ttyd's documented binary frame prefixes.
	inputPrefix  byte = '0' // 0x30: client input
	outputPrefix byte = '0' // 0x30: server output data frame (resize is '1')
)

var (
	ansiCSI = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)
	ansiOSC = regexp.MustCompile(`\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)
)

// Session is one live ttyd WebSocket connection.
type Session struct {
	conn   *websocket.Conn
	logger *logger.Logger

	mu  sync.Mutex
	buf strings.Builder
}

// handshake is the first JSON message ttyd expects after the WebSocket
// upgrade.
type handshake struct {
	AuthToken string `json:"AuthToken"`
	Columns   int    `json:"columns"`
	Rows      int    `json:"rows"`
}

// Dial opens a ttyd session against webTerminalURL: fetches a short-lived
// token from "{webTerminalURL}/token", upgrades to WebSocket with
// subprotocol "tty" at "{scheme}://{host}:{port}/ws", sends the handshake,
// and waits for the shell prompt.
func Dial(ctx context.Context, webTerminalURL string, log *logger.Logger) (*Session, error) {
	token, err := fetchToken(ctx, webTerminalURL)
	if err != nil {
		return nil, fmt.Errorf("fetch ttyd token: %w", err)
	}

	wsURL := toWebSocketURL(webTerminalURL) + "/ws"
	dialer := websocket.Dialer{Subprotocols: []string{"tty"}, HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial ttyd websocket: %w", err)
	}

	hs, err := json.Marshal(handshake{AuthToken: token, Columns: 120, Rows: 32})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("encode handshake: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, hs); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	sess := &Session{conn: conn, logger: log.WithFields(zap.String("component", "ttyd-session"))}
	if err := sess.waitForPrompt(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return sess, nil
}

func fetchToken(ctx context.Context, webTerminalURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, webTerminalURL+"/token", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func toWebSocketURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return httpURL
	}
}

var promptMarkers = regexp.MustCompile(`[$#]\s*$|\$\s|#\s`)

func (s *Session) waitForPrompt(ctx context.Context) error {
	deadline := time.Now().Add(promptWaitTime)
	for time.Now().Before(deadline) {
		chunk, err := s.readFrame(ctx)
		if err != nil {
			return fmt.Errorf("waiting for shell prompt: %w", err)
		}
		if promptMarkers.MatchString(chunk) {
			return nil
		}
	}
	return fmt.Errorf("timed out waiting for shell prompt")
}

func (s *Session) readFrame(ctx context.Context) (string, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(promptWaitTime))
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	if len(data) > 0 && data[0] == outputPrefix {
		data = data[1:]
	}
	return string(data), nil
}

func (s *Session) writeInput(command string) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	frame := append([]byte{inputPrefix}, []byte(command)...)
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Run executes command, returning its captured, cleaned-up output. Per
// spec §4.5: the command and the marker echo are written as two separate
// frames (so the terminal doesn't echo the marker onto the command line
// and trigger premature detection), and the marker must be seen twice
// before the output is considered complete.
func (s *Session) Run(ctx context.Context, command string, timeout time.Duration) (string, error) {
	marker := newMarker()

	if err := s.writeInput(command + "\n"); err != nil {
		return "", fmt.Errorf("write command: %w", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := s.writeInput(fmt.Sprintf("echo '%s'\n", marker)); err != nil {
		return "", fmt.Errorf("write marker: %w", err)
	}

	deadline := time.Now().Add(timeout)
	var captured strings.Builder
	occurrences := 0

	for time.Now().Before(deadline) {
		readCtx, cancel := context.WithDeadline(ctx, deadline)
		chunk, err := s.readFrame(readCtx)
		cancel()
		if err != nil {
			return "", fmt.Errorf("reading command output: %w", err)
		}
		captured.WriteString(chunk)
		occurrences = strings.Count(captured.String(), marker)
		if occurrences >= 2 {
			return cleanOutput(captured.String(), marker), nil
		}
	}
	return "", fmt.Errorf("timed out waiting for command completion marker")
}

func newMarker() string {
	raw := make([]byte, 4)
	_, _ = rand.Read(raw)
	return "__TTYD_DONE_" + hex.EncodeToString(raw) + "__"
}

// cleanOutput strips ANSI CSI/OSC sequences, marker lines (current and any
// stale __TTYD_DONE_ prefix), and trims the result.
func cleanOutput(raw, marker string) string {
	stripped := ansiOSC.ReplaceAllString(raw, "")
	stripped = ansiCSI.ReplaceAllString(stripped, "")

	lines := strings.Split(stripped, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.Contains(line, marker) || strings.Contains(line, "__TTYD_DONE_") {
			continue
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// Close releases the underlying WebSocket connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

var _ io.Closer = (*Session)(nil)
