// Package telegram sends motion alerts and device failures to a Telegram chat
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"watchpost/internal/pipeline"
	"watchpost/internal/stream"
)

const (
	defaultAPIBase  = "https://api.telegram.org"
	defaultCooldown = 30 * time.Second
	sendTimeout     = 10 * time.Second
)

// Config holds Telegram bot configuration
type Config struct {
	BotToken string
	ChatID   string
	Cooldown time.Duration // Minimum gap between motion alerts per source
	APIBase  string        // Bot API root, api.telegram.org when empty
}

// Validate validates the Telegram bot configuration
func (c Config) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("telegram bot token is required")
	}
	if c.ChatID == "" {
		return fmt.Errorf("telegram chat ID is required")
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("cooldown cannot be negative")
	}
	return nil
}

// apiResponse is the envelope of every Bot API reply
type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// Notifier is a pipeline.Watcher that posts each motion event, with the
// annotated frame when one is available, and health failures and recoveries
type Notifier struct {
	apiBase    string
	botToken   string
	chatID     string
	cooldown   time.Duration
	httpClient *http.Client
	aggregator *pipeline.Aggregator
	logger     *log.Logger

	mu        sync.Mutex
	lastAlert map[string]time.Time
	lastState map[string]pipeline.HealthState
	now       func() time.Time
}

// NewNotifier creates a notifier reading frames from aggregator
func NewNotifier(cfg Config, aggregator *pipeline.Aggregator, logger *log.Logger) (*Notifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	cooldown := cfg.Cooldown
	if cooldown == 0 {
		cooldown = defaultCooldown
	}

	return &Notifier{
		apiBase:    apiBase,
		botToken:   cfg.BotToken,
		chatID:     cfg.ChatID,
		cooldown:   cooldown,
		httpClient: &http.Client{Timeout: sendTimeout},
		aggregator: aggregator,
		logger:     logger,
		lastAlert:  make(map[string]time.Time),
		lastState:  make(map[string]pipeline.HealthState),
		now:        time.Now,
	}, nil
}

// OnEvent implements pipeline.Watcher
func (n *Notifier) OnEvent(event pipeline.Event) {
	if !n.checkCooldown(event.Source) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	caption := fmt.Sprintf("<b>Motion on %s</b>\nScore: %.0f%%\nTime: %s",
		html.EscapeString(event.Source), event.Score*100, event.Timestamp.Format(time.RFC3339))

	var photo []byte
	if snap, ok := n.aggregator.Snapshot(event.Source); ok {
		photo = stream.Annotate(snap)
	}

	var err error
	if photo != nil {
		err = n.sendPhoto(ctx, photo, caption)
	} else {
		err = n.sendMessage(ctx, caption)
	}
	if err != nil {
		n.logger.Printf("[Telegram] %s: alert failed: %v", event.Source, err)
		return
	}
	n.logger.Printf("[Telegram] %s: alert sent for event %s", event.Source, event.ID)
}

// OnHealth implements pipeline.Watcher. Only transitions into Failed and out
// of it are reported.
func (n *Notifier) OnHealth(health pipeline.DeviceHealth) {
	n.mu.Lock()
	prev := n.lastState[health.Source]
	n.lastState[health.Source] = health.State
	n.mu.Unlock()

	var text string
	switch {
	case health.State == pipeline.StateFailed && prev != pipeline.StateFailed:
		text = fmt.Sprintf("<b>%s failed</b>\n%s", html.EscapeString(health.Source), html.EscapeString(health.LastError))
	case prev == pipeline.StateFailed && health.State == pipeline.StateRunning:
		text = fmt.Sprintf("<b>%s recovered</b>", html.EscapeString(health.Source))
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := n.sendMessage(ctx, text); err != nil {
		n.logger.Printf("[Telegram] %s: health notice failed: %v", health.Source, err)
	}
}

// checkCooldown reports whether an alert may be sent for source and, if so,
// starts a new cooldown period
func (n *Notifier) checkCooldown(source string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if last, ok := n.lastAlert[source]; ok && now.Sub(last) < n.cooldown {
		return false
	}
	n.lastAlert[source] = now
	return true
}

func (n *Notifier) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", n.apiBase, n.botToken, method)
}

// sendMessage posts an HTML text message
func (n *Notifier) sendMessage(ctx context.Context, text string) error {
	payload := map[string]interface{}{
		"chat_id":    n.chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint("sendMessage"), bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return n.do(req)
}

// sendPhoto uploads a JPEG with an HTML caption
func (n *Notifier) sendPhoto(ctx context.Context, photo []byte, caption string) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	fields := [][2]string{{"chat_id", n.chatID}, {"caption", caption}, {"parse_mode", "HTML"}}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return fmt.Errorf("failed to write %s field: %w", f[0], err)
		}
	}
	part, err := writer.CreateFormFile("photo", "motion_frame.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photo); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint("sendPhoto"), &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return n.do(req)
}

// do sends req and decodes the Bot API envelope
func (n *Notifier) do(req *http.Request) error {
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !apiResp.OK {
		return fmt.Errorf("telegram API error %d: %s", apiResp.ErrorCode, apiResp.Description)
	}
	return nil
}

var _ pipeline.Watcher = (*Notifier)(nil)
