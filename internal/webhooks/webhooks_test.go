package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskwatch/internal/fraud"
)

type received struct {
	mu       sync.Mutex
	bodies   [][]byte
	headers  []http.Header
	attempts atomic.Int32
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func newReceiver(t *testing.T, status func(attempt int32) int) (*httptest.Server, *received) {
	t.Helper()
	rec := &received{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := rec.attempts.Add(1)
		code := http.StatusOK
		if status != nil {
			code = status(n)
		}
		if code == http.StatusOK {
			body, _ := io.ReadAll(r.Body)
			rec.mu.Lock()
			rec.bodies = append(rec.bodies, body)
			rec.headers = append(rec.headers, r.Header.Clone())
			rec.mu.Unlock()
		}
		w.WriteHeader(code)
	}))
	t.Cleanup(ts.Close)
	return ts, rec
}

func alertNotification(userID string) *fraud.Notification {
	return &fraud.Notification{
		Kind:   fraud.NotifyAnalysis,
		UserID: userID,
		Analysis: &fraud.FraudAnalysisResult{
			UserID:    userID,
			RiskScore: 72,
			RiskLevel: fraud.RiskHigh,
			AlertID:   "fa_1",
		},
		Timestamp: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC),
	}
}

func TestDispatcher_DeliversSignedAlerts(t *testing.T) {
	ts, rec := newReceiver(t, nil)
	d := NewDispatcher(ts.URL, "whsec", nil)
	d.Start(context.Background())

	d.Notify(context.Background(), alertNotification("u1"))
	d.Close()

	require.Equal(t, 1, rec.count())
	body, h := rec.bodies[0], rec.headers[0]
	assert.Equal(t, fraud.NotifyAnalysis, h.Get(HeaderEvent))
	assert.NotEmpty(t, h.Get(HeaderDelivery))
	assert.NotEmpty(t, h.Get(HeaderTimestamp))
	assert.NoError(t, Verify(body, "whsec", h.Get(HeaderSignature)))

	var ev Event
	require.NoError(t, json.Unmarshal(body, &ev))
	assert.Equal(t, h.Get(HeaderDelivery), ev.ID)
	assert.Equal(t, "u1", ev.Data.UserID)
	assert.Equal(t, "fa_1", ev.Data.Analysis.AlertID)
}

func TestDispatcher_SkipsNonAlerts(t *testing.T) {
	ts, rec := newReceiver(t, nil)
	d := NewDispatcher(ts.URL, "", nil)
	d.Start(context.Background())

	n := alertNotification("u1")
	n.Analysis.AlertID = ""
	d.Notify(context.Background(), n)
	d.Notify(context.Background(), nil)
	d.Notify(context.Background(), &fraud.Notification{Kind: fraud.NotifyActivityAlert, UserID: "u2", RiskScore: 60})
	d.Close()

	require.Equal(t, 1, rec.count())
	assert.Empty(t, rec.headers[0].Get(HeaderSignature), "no secret means unsigned")
	assert.Equal(t, fraud.NotifyActivityAlert, rec.headers[0].Get(HeaderEvent))
}

func TestDispatcher_RetriesServerErrors(t *testing.T) {
	ts, rec := newReceiver(t, func(n int32) int {
		if n < 3 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	})
	d := NewDispatcher(ts.URL, "", nil)
	d.Start(context.Background())

	d.Notify(context.Background(), alertNotification("u1"))
	d.Close()

	assert.Equal(t, int32(3), rec.attempts.Load())
	assert.Equal(t, 1, rec.count())
}

func TestDispatcher_NoRetryOnClientError(t *testing.T) {
	ts, rec := newReceiver(t, func(int32) int { return http.StatusBadRequest })
	d := NewDispatcher(ts.URL, "", nil)
	d.Start(context.Background())

	d.Notify(context.Background(), alertNotification("u1"))
	d.Close()

	assert.Equal(t, int32(1), rec.attempts.Load())
	assert.Equal(t, 0, rec.count())
}

func TestDispatcher_DropsWhenQueueFull(t *testing.T) {
	ts, rec := newReceiver(t, nil)
	d := NewDispatcher(ts.URL, "", nil, WithQueueSize(1))

	// Not started, so the queue fills immediately.
	d.Notify(context.Background(), alertNotification("u1"))
	d.Notify(context.Background(), alertNotification("u2"))

	d.Start(context.Background())
	d.Close()
	assert.Equal(t, 1, rec.count())

	// Closed dispatcher drops silently.
	d.Notify(context.Background(), alertNotification("u3"))
	assert.Equal(t, 1, rec.count())
}

func TestVerify(t *testing.T) {
	payload := []byte(`{"id":"whk_1"}`)
	sig := Sign(payload, "secret")

	assert.NoError(t, Verify(payload, "secret", sig))
	assert.ErrorIs(t, Verify(payload, "other", sig), ErrInvalidSignature)
	assert.ErrorIs(t, Verify(payload, "secret", "not-hex"), ErrInvalidSignature)
	assert.ErrorIs(t, Verify([]byte(`{}`), "secret", sig), ErrInvalidSignature)
}
