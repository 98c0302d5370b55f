package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"gigflow/internal/config"
	"gigflow/internal/domain"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// EventSource is the slice of the repository the relay reads from.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// WebhookRelay forwards audit events to configured HTTP endpoints. Each hook
// starts at the newest event present when the relay first polls it, and a
// failed delivery is retried on the next tick.
type WebhookRelay struct {
	Source   EventSource
	Hooks    []config.WebhookConfig
	Interval time.Duration
	Client   *http.Client
	Logger   *slog.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

func (r *WebhookRelay) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run polls until ctx is cancelled.
func (r *WebhookRelay) Run(ctx context.Context) {
	if len(r.Hooks) == 0 {
		return
	}
	interval := r.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers every pending event to every enabled hook.
func (r *WebhookRelay) DispatchOnce(ctx context.Context) {
	for i, hook := range r.Hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		r.dispatchHook(ctx, i, hook)
	}
}

func (r *WebhookRelay) dispatchHook(ctx context.Context, idx int, hook config.WebhookConfig) {
	log := r.logger().With("webhook", hook.URL)
	cursor, ok := r.cursorFor(ctx, idx)
	if !ok {
		return
	}
	batch, err := r.Source.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		log.Error("fetch events failed", "error", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range batch {
		if filter.match(evt.Type) {
			if err := r.postEvent(ctx, hook, evt); err != nil {
				log.Warn("delivery failed", "event_id", evt.ID, "event", evt.Type, "error", err)
				return
			}
			log.Debug("delivered", "event_id", evt.ID, "event", evt.Type)
		}
		r.setCursor(idx, evt.ID)
	}
}

func (r *WebhookRelay) cursorFor(ctx context.Context, idx int) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursors == nil {
		r.cursors = make(map[int]int64)
	}
	if cur, ok := r.cursors[idx]; ok {
		return cur, true
	}
	cur, err := r.Source.LatestEventID(ctx)
	if err != nil {
		r.logger().Error("init webhook cursor failed", "error", err)
		return 0, false
	}
	r.cursors[idx] = cur
	return cur, true
}

func (r *WebhookRelay) setCursor(idx int, value int64) {
	r.mu.Lock()
	r.cursors[idx] = value
	r.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

// Sign returns the hex HMAC-SHA256 of body under secret, as sent in
// X-Gigflow-Signature.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (r *WebhookRelay) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gigflow-Event", evt.Type)
	req.Header.Set("X-Gigflow-Delivery", strconv.FormatInt(evt.ID, 10))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Gigflow-Signature", Sign(hook.Secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// eventFilter matches event types exactly or by glob, e.g. "bid.*".
type eventFilter struct {
	all      bool
	patterns []string
}

func newEventFilter(events []string) eventFilter {
	var patterns []string
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			patterns = append(patterns, key)
		}
	}
	if len(patterns) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{patterns: patterns}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	for _, p := range f.patterns {
		if p == evt {
			return true
		}
		if ok, _ := path.Match(p, evt); ok {
			return true
		}
	}
	return false
}
