package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/scribe/internal/events"
)

// Alerter posts turn failures and system alerts to a Slack channel via chat.postMessage.
type Alerter struct {
	token   string
	channel string
	client  *http.Client
	apiURL  string
	window  time.Duration

	mu       sync.Mutex
	lastSent time.Time
}

// NewAlerter creates a new Slack alerter.
func NewAlerter(token, channel string) *Alerter {
	return &Alerter{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  "https://slack.com/api/chat.postMessage",
		window:  30 * time.Second,
	}
}

// Emit forwards failed turns to Slack in the background. It satisfies
// lifecycle.EventSink and never blocks the caller.
func (a *Alerter) Emit(e events.Event) {
	if e.EventType != events.TypeTurnFailed {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.PostTurnFailure(ctx, e); err != nil {
			slog.Warn("slack: turn failure alert not sent", "turn_id", e.TurnID, "error", err)
		}
	}()
}

// PostTurnFailure sends a Block Kit message for a turn.failed event.
func (a *Alerter) PostTurnFailure(ctx context.Context, e events.Event) error {
	errMsg := e.MetadataField("error")
	if errMsg == "" {
		errMsg = "unknown"
	}
	conv := e.ConversationID
	if conv == "" {
		conv = "(new conversation)"
	}

	return a.post(ctx, "Assistant Turn Failed", []string{
		fmt.Sprintf("*Turn:*\n%s", e.TurnID),
		fmt.Sprintf("*Conversation:*\n%s", conv),
		fmt.Sprintf("*Error:*\n%s", errMsg),
	}, fmt.Sprintf("Turn %s failed: %s", e.TurnID, errMsg))
}

type systemAlert struct {
	Message string `json:"message"`
}

// PostSystemAlert sends an archive or bus health alert.
func (a *Alerter) PostSystemAlert(ctx context.Context, subject string, payload []byte) error {
	var sa systemAlert
	_ = json.Unmarshal(payload, &sa)
	if sa.Message == "" {
		sa.Message = "unknown"
	}
	return a.post(ctx, "Scribe System Alert", []string{
		fmt.Sprintf("*Subject:*\n%s", subject),
		fmt.Sprintf("*Message:*\n%s", sa.Message),
	}, fmt.Sprintf("System alert on %s: %s", subject, sa.Message))
}

type postResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// post rate-limits to at most one message per window to protect against burst storms.
func (a *Alerter) post(ctx context.Context, header string, fields []string, text string) error {
	a.mu.Lock()
	if !a.lastSent.IsZero() && time.Since(a.lastSent) < a.window {
		a.mu.Unlock()
		return nil
	}
	a.lastSent = time.Now()
	a.mu.Unlock()

	sectionFields := make([]map[string]any, len(fields))
	for i, f := range fields {
		sectionFields[i] = map[string]any{"type": "mrkdwn", "text": f}
	}
	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{"type": "plain_text", "text": header},
		},
		{
			"type":   "section",
			"fields": sectionFields,
		},
		{
			"type": "context",
			"elements": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("Sent at %s", time.Now().UTC().Format(time.RFC3339))},
			},
		},
	}

	body, err := json.Marshal(map[string]any{
		"channel": a.channel,
		"blocks":  blocks,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}
	var pr postResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err == nil && !pr.OK && pr.Error != "" {
		return fmt.Errorf("slack rejected message: %s", pr.Error)
	}

	slog.Info("alert posted to Slack", "channel", a.channel, "header", header)
	return nil
}
