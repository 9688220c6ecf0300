// Package webhooks forwards fraud alerts to an external HTTP endpoint,
// such as a case-management system or a chat-ops relay.
//
// Deliveries are signed with HMAC-SHA256 over the raw body when a secret
// is configured:
//
//	X-Riskwatch-Signature: hex(hmac_sha256(secret, body))
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/riskwatch/internal/fraud"
	"github.com/mbd888/riskwatch/internal/idgen"
	"github.com/mbd888/riskwatch/internal/metrics"
	"github.com/mbd888/riskwatch/internal/retry"
)

// Header names set on every delivery.
const (
	HeaderEvent     = "X-Riskwatch-Event"
	HeaderDelivery  = "X-Riskwatch-Delivery"
	HeaderTimestamp = "X-Riskwatch-Timestamp"
	HeaderSignature = "X-Riskwatch-Signature"
)

// Event is the JSON body of a delivery.
type Event struct {
	ID        string              `json:"id"`
	Type      string              `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	Data      *fraud.Notification `json:"data"`
}

const defaultQueueSize = 256

var deliveryPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}

// Dispatcher delivers alert notifications to a single webhook URL. Notify
// never blocks: deliveries go through a bounded queue drained by one
// goroutine, and overflow is dropped.
type Dispatcher struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
	queue  chan *Event
	now    func() time.Time

	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithQueueSize sets how many deliveries may wait before new ones are dropped.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan *Event, n)
		}
	}
}

// NewDispatcher creates a dispatcher for url. secret may be empty, in which
// case deliveries are unsigned.
func NewDispatcher(url, secret string, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		queue:  make(chan *Event, defaultQueueSize),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ fraud.Notifier = (*Dispatcher)(nil)

// Notify queues a delivery for notifications that carry an alert. Plain
// analysis results below the alert threshold are not forwarded.
func (d *Dispatcher) Notify(_ context.Context, n *fraud.Notification) {
	if n == nil || !isAlert(n) {
		return
	}
	event := &Event{
		ID:        idgen.WithPrefix("whk_"),
		Type:      n.Kind,
		Timestamp: d.now().UTC(),
		Data:      n,
	}
	select {
	case <-d.done:
		metrics.WebhookDeliveriesTotal.WithLabelValues("dropped").Inc()
	case d.queue <- event:
	default:
		metrics.WebhookDeliveriesTotal.WithLabelValues("dropped").Inc()
		d.logger.Warn("webhook queue full, alert dropped", "user_id", n.UserID, "kind", n.Kind)
	}
}

func isAlert(n *fraud.Notification) bool {
	switch n.Kind {
	case fraud.NotifyActivityAlert:
		return true
	case fraud.NotifyAnalysis:
		return n.Analysis != nil && n.Analysis.AlertID != ""
	}
	return false
}

// Start launches the delivery loop. It returns once ctx is done or Close
// has drained the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go d.loop(ctx)
	})
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ctx, ev)
				default:
					return
				}
			}
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		}
	}
}

// Close stops accepting deliveries and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.done) })
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, ev *Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.logger.Error("failed to marshal webhook event", "error", err)
		return
	}

	err = retry.Do(ctx, deliveryPolicy, func(ctx context.Context) error {
		return d.send(ctx, ev, payload)
	})
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("webhook delivery failed",
			"delivery_id", ev.ID, "kind", ev.Type, "user_id", ev.Data.UserID, "error", err)
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
}

func (d *Dispatcher) send(ctx context.Context, ev *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, ev.Type)
	req.Header.Set(HeaderDelivery, ev.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ev.Timestamp.Unix(), 10))
	if d.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, d.secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// ErrInvalidSignature is returned by Verify on mismatch.
var ErrInvalidSignature = errors.New("webhooks: invalid signature")

// Verify checks a delivery signature in constant time. Receivers can use it
// to authenticate payloads.
func Verify(payload []byte, secret, signature string) error {
	expected, err := hex.DecodeString(Sign(payload, secret))
	if err != nil {
		return err
	}
	got, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(expected, got) {
		return ErrInvalidSignature
	}
	return nil
}
