package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskwatch/internal/fraud"
)

func alertEvent(userID string, score int) *Event {
	return &Event{
		Type:      EventActivityAlert,
		Timestamp: time.Now(),
		Data: &fraud.Notification{
			Kind:      fraud.NotifyActivityAlert,
			UserID:    userID,
			RiskScore: score,
			Anomalies: []string{fraud.TagRepeatedFailures},
		},
	}
}

func analysisEvent(userID string, score int) *Event {
	return &Event{
		Type: EventFraudAnalysis,
		Data: &fraud.Notification{
			Kind:     fraud.NotifyAnalysis,
			UserID:   userID,
			Analysis: &fraud.FraudAnalysisResult{RiskScore: score},
		},
	}
}

func TestSubscription_Matches(t *testing.T) {
	tests := []struct {
		name  string
		sub   Subscription
		event *Event
		want  bool
	}{
		{"all events", Subscription{AllEvents: true}, alertEvent("u1", 10), true},
		{"empty subscription", Subscription{}, alertEvent("u1", 10), true},
		{"type match", Subscription{EventTypes: []EventType{EventActivityAlert}}, alertEvent("u1", 10), true},
		{"type mismatch", Subscription{EventTypes: []EventType{EventActivityAlert}}, analysisEvent("u1", 10), false},
		{"user match", Subscription{UserIDs: []string{"u1"}}, alertEvent("u1", 10), true},
		{"user mismatch", Subscription{UserIDs: []string{"u2"}}, alertEvent("u1", 10), false},
		{"alert score below minimum", Subscription{MinRiskScore: 60}, alertEvent("u1", 55), false},
		{"alert score at minimum", Subscription{MinRiskScore: 60}, alertEvent("u1", 60), true},
		{"analysis score from result", Subscription{MinRiskScore: 60}, analysisEvent("u1", 72), true},
		{"nil data with user filter", Subscription{UserIDs: []string{"u1"}}, &Event{Type: EventActivityAlert}, false},
		{"nil data without filters", Subscription{EventTypes: []EventType{EventActivityAlert}}, &Event{Type: EventActivityAlert}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Matches(tt.event))
		})
	}
}

func TestSubscription_Validate(t *testing.T) {
	assert.NoError(t, Subscription{}.Validate())
	assert.NoError(t, Subscription{EventTypes: []EventType{EventFraudAnalysis}, MinRiskScore: 100}.Validate())

	assert.ErrorIs(t, Subscription{EventTypes: []EventType{"payment"}}.Validate(), errInvalidSubscription)
	assert.ErrorIs(t, Subscription{MinRiskScore: 101}.Validate(), errInvalidSubscription)
	assert.ErrorIs(t, Subscription{MinRiskScore: -1}.Validate(), errInvalidSubscription)
	assert.ErrorIs(t, Subscription{UserIDs: []string{" "}}.Validate(), errInvalidSubscription)
	assert.ErrorIs(t, Subscription{UserIDs: make([]string, MaxSubscribedUsers+1)}.Validate(), errInvalidSubscription)
}

func runHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	h := NewHub(slog.Default(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

// attach registers a connectionless session, as HandleWebSocket would.
func attach(t *testing.T, h *Hub, sub Subscription) *session {
	t.Helper()
	s := &session{id: "test", hub: h, out: make(chan []byte, h.sendBuffer), sub: sub}
	require.True(t, h.join(s))
	require.Eventually(t, func() bool { return h.Stats().ConnectedClients >= 1 }, time.Second, 5*time.Millisecond)
	return s
}

func TestHub_JoinLeave(t *testing.T) {
	h := runHub(t)
	s := attach(t, h, Subscription{AllEvents: true})

	stats := h.Stats()
	assert.Equal(t, 1, stats.ConnectedClients)
	assert.Equal(t, int64(1), stats.PeakClients)
	assert.Equal(t, int64(1), stats.TotalClients)

	h.leave(s)
	require.Eventually(t, func() bool { return h.Stats().ConnectedClients == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats().PeakClients, "peak is retained")

	_, open := <-s.out
	assert.False(t, open, "queue is closed on leave")
}

func TestHub_NotifyDeliversEvent(t *testing.T) {
	h := runHub(t)
	s := attach(t, h, Subscription{AllEvents: true})

	ts := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	h.Notify(context.Background(), &fraud.Notification{
		Kind:      fraud.NotifyActivityAlert,
		UserID:    "u1",
		RiskScore: 60,
		Anomalies: []string{fraud.TagNewLocationActivity, fraud.TagRepeatedFailures},
		Timestamp: ts,
	})
	h.Notify(context.Background(), nil)

	select {
	case msg := <-s.out:
		var got Event
		require.NoError(t, json.Unmarshal(msg, &got))
		assert.Equal(t, EventActivityAlert, got.Type)
		assert.True(t, got.Timestamp.Equal(ts))
		require.NotNil(t, got.Data)
		assert.Equal(t, 60, got.Data.RiskScore)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notification")
	}
	assert.Eventually(t, func() bool { return h.Stats().TotalEvents == 1 }, time.Second, 5*time.Millisecond)
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := runHub(t)
	s := attach(t, h, Subscription{EventTypes: []EventType{EventActivityAlert}})

	h.Broadcast(analysisEvent("u1", 90))
	h.Broadcast(alertEvent("u1", 60))

	select {
	case msg := <-s.out:
		assert.Contains(t, string(msg), `"type":"activity_alert"`)
	case <-time.After(time.Second):
		t.Fatal("session should receive activity alerts")
	}
	select {
	case msg := <-s.out:
		t.Fatalf("unexpected message: %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_EvictsSlowSession(t *testing.T) {
	h := runHub(t, WithSendBuffer(1))
	slow := attach(t, h, Subscription{AllEvents: true})

	h.Broadcast(alertEvent("u1", 60))
	h.Broadcast(alertEvent("u1", 61))

	require.Eventually(t, func() bool { return h.Stats().EvictedClients == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.Stats().ConnectedClients)

	// The buffered event is still readable before the close.
	_, open := <-slow.out
	assert.True(t, open)
	_, open = <-slow.out
	assert.False(t, open)
}

func TestHub_StopsOnContextCancel(t *testing.T) {
	h := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}

	// Joins and leaves after stop return instead of blocking.
	s := &session{hub: h, out: make(chan []byte, 1)}
	assert.False(t, h.join(s))
	h.leave(s)

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHub_MaxClients(t *testing.T) {
	h := runHub(t, WithMaxClients(1))
	attach(t, h, Subscription{})

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHub_CheckOrigin(t *testing.T) {
	h := NewHub(nil, WithAllowedOrigins([]string{"https://soc.example.com/"}))

	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/ws", nil)
	assert.True(t, h.checkOrigin(req), "non-browser clients send no origin")

	req.Header.Set("Origin", "https://soc.example.com")
	assert.True(t, h.checkOrigin(req))

	req.Header.Set("Origin", "http://api.example.com")
	assert.True(t, h.checkOrigin(req), "same host")

	req.Header.Set("Origin", "https://evil.example.net")
	assert.False(t, h.checkOrigin(req))
}

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func TestHub_WebSocketSubscribeAndReceive(t *testing.T) {
	h := runHub(t)
	conn := dial(t, h)

	require.NoError(t, conn.WriteJSON(Subscription{UserIDs: []string{"u7"}}))
	var ack controlFrame
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, FrameSubscribed, ack.Type)
	require.NotNil(t, ack.Subscription)
	assert.Equal(t, []string{"u7"}, ack.Subscription.UserIDs)

	h.Notify(context.Background(), &fraud.Notification{Kind: fraud.NotifyActivityAlert, UserID: "u1", RiskScore: 70})
	h.Notify(context.Background(), &fraud.Notification{Kind: fraud.NotifyActivityAlert, UserID: "u7", RiskScore: 55})

	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	require.NotNil(t, got.Data)
	assert.Equal(t, "u7", got.Data.UserID)
}

func TestHub_WebSocketRejectsBadSubscription(t *testing.T) {
	h := runHub(t)
	conn := dial(t, h)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var frame controlFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, FrameError, frame.Type)

	require.NoError(t, conn.WriteJSON(Subscription{MinRiskScore: 500}))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, FrameError, frame.Type)
	assert.Contains(t, frame.Message, "minRiskScore")

	// The original all-events filter is still in effect.
	h.Notify(context.Background(), &fraud.Notification{Kind: fraud.NotifyAnalysis, UserID: "u2"})
	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, EventFraudAnalysis, got.Type)
}
