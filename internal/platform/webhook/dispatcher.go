// Package webhook pushes placed orders to external fulfilment systems as
// signed JSON POSTs. Emergency interrupts are never forwarded: they stay
// local to the session and carry the patient's own words.
package webhook

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
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/session"
)

const (
	EventOrderPlaced = "order.placed"

	SignatureHeader = "X-Webhook-Signature"
	EventHeader     = "X-Webhook-Event"
	IDHeader        = "X-Webhook-ID"

	logSize = 100
)

var errPermanent = errors.New("endpoint rejected delivery")

// Event is the body POSTed to every endpoint.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Attempt records the final outcome of delivering one event to one endpoint.
type Attempt struct {
	EventID    string        `json:"event_id"`
	EventType  string        `json:"event_type"`
	URL        string        `json:"url"`
	Attempts   int           `json:"attempts"`
	StatusCode int           `json:"status_code"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	At         time.Time     `json:"at"`
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by SignPayload.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

func WithMaxRetries(n int) Option {
	return func(d *Dispatcher) { d.maxRetries = n }
}

func WithBackoff(b time.Duration) Option {
	return func(d *Dispatcher) { d.backoff = b }
}

// Dispatcher is a session.Notifier that forwards selected events to the
// configured endpoints. Delivery runs in the background so a slow endpoint
// never holds up a conversation.
type Dispatcher struct {
	urls       []string
	secret     string
	client     *http.Client
	maxRetries int
	backoff    time.Duration
	logger     zerolog.Logger

	wg  sync.WaitGroup
	mu  sync.Mutex
	log []Attempt
}

// NewDispatcher validates every URL up front.
func NewDispatcher(urls []string, secret string, logger zerolog.Logger, opts ...Option) (*Dispatcher, error) {
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("invalid webhook url %q", raw)
		}
	}
	d := &Dispatcher{
		urls:       urls,
		secret:     secret,
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		backoff:    time.Second,
		logger:     logger.With().Str("component", "webhook").Logger(),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// webhookType maps session events onto the webhook vocabulary.
func webhookType(sessionEvent string) (string, bool) {
	switch sessionEvent {
	case session.EventInventoryRefresh:
		return EventOrderPlaced, true
	}
	return "", false
}

// Notify implements session.Notifier.
func (d *Dispatcher) Notify(ctx context.Context, e session.Event) {
	typ, ok := webhookType(e.Type)
	if !ok || len(d.urls) == 0 {
		return
	}

	ev := Event{ID: uuid.New().String(), Type: typ, SessionID: e.SessionID, Timestamp: e.Timestamp}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if e.Data != nil {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			d.logger.Error().Err(err).Str("type", typ).Msg("failed to marshal webhook payload")
			return
		}
		ev.Payload = raw
	}
	body, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error().Err(err).Str("type", typ).Msg("failed to marshal webhook event")
		return
	}

	ctx = context.WithoutCancel(ctx)
	for _, u := range d.urls {
		d.wg.Add(1)
		go func(u string) {
			defer d.wg.Done()
			d.record(d.Deliver(ctx, u, ev, body))
		}(u)
	}
}

// Deliver POSTs body to endpoint, retrying transport errors, 429 and 5xx answers
// with linear backoff. One event costs at most maxRetries+1 requests.
func (d *Dispatcher) Deliver(ctx context.Context, endpoint string, ev Event, body []byte) Attempt {
	a := Attempt{EventID: ev.ID, EventType: ev.Type, URL: endpoint}
	start := time.Now()

	for a.Attempts < d.maxRetries+1 {
		a.Attempts++
		status, err := d.post(ctx, endpoint, ev, body)
		a.StatusCode = status
		if err == nil {
			a.Success = true
			a.Error = ""
			break
		}
		a.Error = err.Error()
		if errors.Is(err, errPermanent) || a.Attempts > d.maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			a.Error = ctx.Err().Error()
			a.Duration = time.Since(start)
			a.At = time.Now().UTC()
			return a
		case <-time.After(d.backoff * time.Duration(a.Attempts)):
		}
	}

	a.Duration = time.Since(start)
	a.At = time.Now().UTC()
	return a
}

func (d *Dispatcher) post(ctx context.Context, endpoint string, ev Event, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, ev.Type)
	req.Header.Set(IDHeader, ev.ID)
	if d.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+SignPayload(body, d.secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return resp.StatusCode, fmt.Errorf("endpoint answered %d", resp.StatusCode)
	default:
		return resp.StatusCode, fmt.Errorf("%w: status %d", errPermanent, resp.StatusCode)
	}
}

func (d *Dispatcher) record(a Attempt) {
	evt := d.logger.Info()
	if !a.Success {
		evt = d.logger.Warn().Str("error", a.Error)
	}
	evt.Str("event_id", a.EventID).
		Str("type", a.EventType).
		Str("url", a.URL).
		Int("attempts", a.Attempts).
		Int("status", a.StatusCode).
		Dur("duration", a.Duration).
		Msg("webhook delivery")

	d.mu.Lock()
	d.log = append(d.log, a)
	if len(d.log) > logSize {
		d.log = d.log[len(d.log)-logSize:]
	}
	d.mu.Unlock()
}

// Deliveries returns the most recent delivery outcomes, newest first.
func (d *Dispatcher) Deliveries() []Attempt {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Attempt, len(d.log))
	for i, a := range d.log {
		out[len(d.log)-1-i] = a
	}
	return out
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) RegisterRoutes(api *echo.Group) {
	api.GET("/admin/webhooks/deliveries", func(c echo.Context) error {
		return c.JSON(http.StatusOK, d.Deliveries())
	})
}
