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
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"journeyline/internal/audit"
	"journeyline/internal/config"
	"journeyline/internal/domain"
	"journeyline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

type webhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	log      zerolog.Logger
	mu       sync.Mutex
	cursors  map[int]string
}

func newWebhookDispatcher(e engine.Engine, log zerolog.Logger) *webhookDispatcher {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return nil
	}
	return &webhookDispatcher{
		engine:   e,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      log,
		cursors:  make(map[int]string),
	}
}

// StartWebhooks delivers new audit entries to configured webhooks until ctx
// ends. Entries written before startup are not replayed.
func StartWebhooks(ctx context.Context, e engine.Engine, log zerolog.Logger) {
	d := newWebhookDispatcher(e, log)
	if d == nil {
		return
	}
	go d.run(ctx)
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor, ok := d.cursorFor(ctx, idx)
	if !ok {
		return
	}
	page, err := d.engine.Audit.Query(ctx, audit.Filter{Cursor: cursor, Limit: defaultWebhookBatch})
	if err != nil {
		d.log.Warn().Err(err).Str("url", hook.URL).Msg("webhook: fetch audit entries failed")
		return
	}
	filter := newEventFilter(hook.Events)
	for _, entry := range page.Items {
		next := audit.ComposeCursor(entry.Seq)
		if !filter.match(entry) {
			d.setCursor(idx, next)
			continue
		}
		if err := d.postEntry(ctx, hook, entry); err != nil {
			d.log.Warn().Err(err).Str("url", hook.URL).Str("audit_id", entry.ID).Msg("webhook: delivery failed")
			return
		}
		d.setCursor(idx, next)
	}
}

// cursorFor starts each hook at the newest entry present on first use.
func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, true
	}
	page, err := d.engine.Audit.Query(ctx, audit.Filter{Limit: 1, Desc: true})
	if err != nil {
		d.log.Warn().Err(err).Msg("webhook: init cursor failed")
		return "", false
	}
	cur := ""
	if len(page.Items) > 0 {
		cur = audit.ComposeCursor(page.Items[0].Seq)
	}
	d.cursors[idx] = cur
	return cur, true
}

func (d *webhookDispatcher) setCursor(idx int, value string) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

func eventName(entry domain.AuditLogEntry) string {
	return string(entry.EntityType) + "." + entry.Action
}

func (d *webhookDispatcher) postEntry(ctx context.Context, hook config.WebhookConfig, entry domain.AuditLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Journeyline-Event", eventName(entry))
	req.Header.Set("X-Journeyline-Delivery", entry.ID)
	req.Header.Set("X-Journeyline-Org", d.engine.OrgID)
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(data)
		req.Header.Set("X-Journeyline-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

// eventFilter matches either a bare action ("advance") or "entity.action".
type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(entry domain.AuditLogEntry) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[entry.Action]; ok {
		return true
	}
	_, ok := f.set[eventName(entry)]
	return ok
}
