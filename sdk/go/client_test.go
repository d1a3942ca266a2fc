package workgatesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchSendsCredentialsAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/events", r.URL.Path)
		assert.Equal(t, "k-1", r.Header.Get("X-Api-Key"))
		var evt Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&evt))
		assert.Equal(t, "gh-1", evt.DeliveryID)
		_ = json.NewEncoder(w).Encode(DispatchResult{
			DeliveryID: evt.DeliveryID,
			Decision: Decision{
				Decision: "denied",
				Reason:   &Reason{Code: "insufficient_engagement_level", Have: 4, Need: 5},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "k-1"
	res, err := c.Dispatch(context.Background(), Event{DeliveryID: "gh-1", Actor: "a", Target: "svc", Action: "deploy"})
	require.NoError(t, err)
	assert.False(t, res.Decision.Allowed())
	assert.Equal(t, 5, res.Decision.Reason.Need)
}

func TestAPIErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/work-items/a%2Fb/history", r.URL.EscapedPath())
		assert.Equal(t, "3", r.URL.Query().Get("after_seq"))
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"code":"persistence_unavailable","message":"decision not recorded, retry"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).History(context.Background(), "a/b", 3, 0)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "persistence_unavailable", apiErr.Code)
	assert.True(t, Retryable(err))
}
