// Package realtime streams fraud monitoring notifications to analyst
// dashboards over WebSocket.
//
// Sessions connect to /ws and receive every notification by default. A
// session narrows its feed by sending a Subscription as JSON:
//
//	{"eventTypes": ["activity_alert"], "userIds": ["u1"], "minRiskScore": 60}
//
// The hub answers each subscription with a "subscribed" frame echoing the
// filter now in effect, or an "error" frame when the filter is rejected.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/riskwatch/internal/fraud"
	"github.com/mbd888/riskwatch/internal/metrics"
)

// EventType names the kind of notification carried by an Event.
type EventType string

const (
	EventFraudAnalysis EventType = fraud.NotifyAnalysis
	EventActivityAlert EventType = fraud.NotifyActivityAlert
)

// Control frame types sent in reply to a subscription message.
const (
	FrameSubscribed = "subscribed"
	FrameError      = "error"
)

// Event is the frame pushed to sessions for each notification.
type Event struct {
	Type      EventType           `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	Data      *fraud.Notification `json:"data"`
}

// controlFrame acknowledges or rejects a subscription.
type controlFrame struct {
	Type         string        `json:"type"`
	Timestamp    time.Time     `json:"timestamp"`
	Subscription *Subscription `json:"subscription,omitempty"`
	Message      string        `json:"message,omitempty"`
}

// Limits applied to inbound subscriptions.
const (
	MaxSubscribedUsers = 500
	MaxClients         = 10000
	DefaultSendBuffer  = 256
)

var errInvalidSubscription = errors.New("invalid subscription")

// Subscription filters the notifications a session receives.
type Subscription struct {
	AllEvents    bool        `json:"allEvents"`
	EventTypes   []EventType `json:"eventTypes"`
	UserIDs      []string    `json:"userIds"`
	MinRiskScore int         `json:"minRiskScore"`
}

// Validate rejects filters that could never match or are oversized.
func (s Subscription) Validate() error {
	for _, t := range s.EventTypes {
		if t != EventFraudAnalysis && t != EventActivityAlert {
			return fmt.Errorf("%w: unknown event type %q", errInvalidSubscription, t)
		}
	}
	if len(s.UserIDs) > MaxSubscribedUsers {
		return fmt.Errorf("%w: at most %d user ids", errInvalidSubscription, MaxSubscribedUsers)
	}
	for _, id := range s.UserIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: empty user id", errInvalidSubscription)
		}
	}
	if s.MinRiskScore < 0 || s.MinRiskScore > 100 {
		return fmt.Errorf("%w: minRiskScore must be between 0 and 100", errInvalidSubscription)
	}
	return nil
}

// Matches reports whether the event passes the filter. A zero
// Subscription matches everything.
func (s Subscription) Matches(e *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type) {
		return false
	}
	if e.Data == nil {
		return len(s.UserIDs) == 0 && s.MinRiskScore <= 0
	}
	if len(s.UserIDs) > 0 && !slices.Contains(s.UserIDs, e.Data.UserID) {
		return false
	}
	return s.MinRiskScore <= 0 || notificationScore(e.Data) >= s.MinRiskScore
}

// notificationScore prefers the analysis score over the alert score.
func notificationScore(n *fraud.Notification) int {
	if n.Analysis != nil {
		return n.Analysis.RiskScore
	}
	return n.RiskScore
}

// Option configures a Hub.
type Option func(*Hub)

// WithAllowedOrigins restricts browser origins allowed to open a session.
// An empty list or "*" keeps the same-host default.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		for _, o := range origins {
			if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
				h.origins[o] = true
			}
		}
	}
}

// WithMaxClients caps concurrent sessions.
func WithMaxClients(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxClients = n
		}
	}
}

// WithSendBuffer sets the per-session outbound queue size. A session whose
// queue fills is evicted.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// Hub fans notifications out to connected sessions. All membership changes
// go through the Run loop.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	origins  map[string]bool

	maxClients int
	sendBuffer int

	mu       sync.RWMutex
	sessions map[*session]struct{}

	events  chan *Event
	joins   chan *session
	leaves  chan *session
	stopped chan struct{} // closed when Run exits

	published atomic.Int64
	accepted  atomic.Int64
	peak      atomic.Int64
	evicted   atomic.Int64
}

var _ fraud.Notifier = (*Hub)(nil)

// NewHub creates a hub. Call Run to start it.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger:     logger,
		origins:    make(map[string]bool),
		maxClients: MaxClients,
		sendBuffer: DefaultSendBuffer,
		sessions:   make(map[*session]struct{}),
		events:     make(chan *Event, 256),
		joins:      make(chan *session),
		leaves:     make(chan *session),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if h.origins["*"] || h.origins[origin] {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Run owns the session set until ctx is cancelled, then closes every
// session's queue so its writer sends a close frame.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.stopped)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for s := range h.sessions {
				close(s.out)
				delete(h.sessions, s)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case s := <-h.joins:
			h.mu.Lock()
			h.sessions[s] = struct{}{}
			n := len(h.sessions)
			h.mu.Unlock()
			h.accepted.Add(1)
			if int64(n) > h.peak.Load() {
				h.peak.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("realtime session opened", "session", s.id, "sessions", n)

		case s := <-h.leaves:
			h.drop(s)

		case e := <-h.events:
			h.fanOut(e)
		}
	}
}

// fanOut encodes the event once and queues it on every matching session.
// Sessions that cannot keep up are evicted.
func (h *Hub) fanOut(e *Event) {
	h.published.Add(1)
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("encode realtime event", "type", e.Type, "error", err)
		return
	}

	var slow []*session
	h.mu.RLock()
	for s := range h.sessions {
		if !s.subscription().Matches(e) {
			continue
		}
		if !s.enqueue(payload) {
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		h.evicted.Add(1)
		metrics.RealtimeDropsTotal.WithLabelValues("slow_client").Inc()
		h.logger.Warn("evicting slow realtime session", "session", s.id)
		h.drop(s)
	}
}

// drop removes s and closes its queue. Safe to call for an already removed
// session.
func (h *Hub) drop(s *session) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	if ok {
		delete(h.sessions, s)
		close(s.out)
	}
	n := len(h.sessions)
	h.mu.Unlock()
	if ok {
		metrics.ActiveWebSocketClients.Set(float64(n))
		h.logger.Debug("realtime session closed", "session", s.id, "sessions", n)
	}
}

// join hands s to the Run loop. It reports false once the hub has stopped.
func (h *Hub) join(s *session) bool {
	select {
	case h.joins <- s:
		return true
	case <-h.stopped:
		return false
	}
}

// leave hands s back to the Run loop without blocking after it stopped.
func (h *Hub) leave(s *session) {
	select {
	case h.leaves <- s:
	case <-h.stopped:
	}
}

// Broadcast queues an event for delivery. It never blocks.
func (h *Hub) Broadcast(e *Event) {
	select {
	case h.events <- e:
	default:
		metrics.RealtimeDropsTotal.WithLabelValues("queue_full").Inc()
		h.logger.Warn("realtime queue full, dropping event", "type", e.Type)
	}
}

// Notify implements fraud.Notifier.
func (h *Hub) Notify(_ context.Context, n *fraud.Notification) {
	if n == nil {
		return
	}
	ts := n.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	h.Broadcast(&Event{Type: EventType(n.Kind), Timestamp: ts, Data: n})
}

// HubStats is a point-in-time snapshot of hub activity.
type HubStats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalEvents      int64 `json:"totalEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
	EvictedClients   int64 `json:"evictedClients"`
}

// Stats returns current hub counters.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	n := len(h.sessions)
	h.mu.RUnlock()
	return HubStats{
		ConnectedClients: n,
		TotalEvents:      h.published.Load(),
		TotalClients:     h.accepted.Load(),
		PeakClients:      h.peak.Load(),
		EvictedClients:   h.evicted.Load(),
	}
}

// HandleWebSocket upgrades the request and starts a session.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.stopped:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if h.Stats().ConnectedClients >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	s := newSession(h, conn)
	if !h.join(s) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
		return
	}
	go s.writeLoop()
	go s.readLoop()
}
