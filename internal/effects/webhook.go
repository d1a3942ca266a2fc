package effects

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"workgate/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook POSTs each effect to every enabled hook whose action filter matches.
type Webhook struct {
	hooks  []config.WebhookConfig
	client *http.Client
	logger *zap.Logger
}

func NewWebhook(hooks []config.WebhookConfig, client *http.Client, logger *zap.Logger) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{hooks: hooks, client: client, logger: logger.With(zap.String("component", "webhook"))}
}

func (w *Webhook) Apply(ctx context.Context, e Effect) error {
	var errs []string
	for _, hook := range w.hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if !newActionFilter(hook.Actions).match(e.Action) {
			continue
		}
		if err := w.post(ctx, hook, e); err != nil {
			w.logger.Warn("webhook delivery failed",
				zap.String("url", hook.URL),
				zap.String("delivery_id", e.DeliveryID),
				zap.Error(err))
			errs = append(errs, fmt.Sprintf("%s: %v", hook.URL, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("webhook: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, hook config.WebhookConfig, e Effect) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if hook.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(hook.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Workgate-Action", e.Action)
	req.Header.Set("X-Workgate-Delivery", e.DeliveryID)
	req.Header.Set("X-Workgate-Work-Item", e.WorkItemID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Workgate-Secret", hook.Secret)
	}
	res, err := w.client.Do(req)
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

type actionFilter struct {
	all bool
	set map[string]struct{}
}

func newActionFilter(actions []string) actionFilter {
	set := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		if key := strings.TrimSpace(a); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return actionFilter{all: true}
	}
	return actionFilter{set: set}
}

func (f actionFilter) match(action string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[action]
	return ok
}
