package effects

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"workgate/internal/config"
	"workgate/internal/domain"
)

type capture struct {
	mu      sync.Mutex
	headers []http.Header
	bodies  []Effect
}

func (c *capture) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var e Effect
		_ = json.NewDecoder(r.Body).Decode(&e)
		c.mu.Lock()
		c.headers = append(c.headers, r.Header.Clone())
		c.bodies = append(c.bodies, e)
		c.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte("nope"))
	}
}

func sample() Effect {
	return Effect{
		DeliveryID:  "delivery-1",
		WorkItemID:  "pr-1",
		Action:      "merge",
		PrincipalID: "security-specialist",
		Environment: domain.EnvDev,
		FromState:   domain.StateReviewPending,
		ToState:     domain.StateResolved,
		Seq:         4,
	}
}

func TestWebhookPostsMatchingHooks(t *testing.T) {
	var hit capture
	srv := httptest.NewServer(hit.handler(http.StatusNoContent))
	defer srv.Close()
	disabled := false

	w := NewWebhook([]config.WebhookConfig{
		{URL: srv.URL, Actions: []string{"merge"}, Secret: "s3cret"},
		{URL: srv.URL, Actions: []string{"deploy"}},
		{URL: srv.URL, Enabled: &disabled},
	}, nil, zap.NewNop())

	require.NoError(t, w.Apply(context.Background(), sample()))
	require.Len(t, hit.headers, 1)
	h := hit.headers[0]
	assert.Equal(t, "delivery-1", h.Get("X-Workgate-Delivery"))
	assert.Equal(t, "merge", h.Get("X-Workgate-Action"))
	assert.Equal(t, "pr-1", h.Get("X-Workgate-Work-Item"))
	assert.Equal(t, "s3cret", h.Get("X-Workgate-Secret"))
	assert.Equal(t, sample(), hit.bodies[0])
}

func TestWebhookReportsFailures(t *testing.T) {
	var hit capture
	srv := httptest.NewServer(hit.handler(http.StatusBadGateway))
	defer srv.Close()

	w := NewWebhook([]config.WebhookConfig{{URL: srv.URL}}, nil, zap.NewNop())
	err := w.Apply(context.Background(), sample())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestMultiJoinsErrors(t *testing.T) {
	calls := 0
	ok := Func(func(context.Context, Effect) error { calls++; return nil })
	boom := Func(func(context.Context, Effect) error { calls++; return errors.New("boom") })
	err := Multi{ok, boom, Log{}, ok}.Apply(context.Background(), sample())
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 3, calls)
}
