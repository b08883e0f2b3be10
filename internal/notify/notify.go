// Package notify sends fire-and-forget events to the notification service.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	EventCollectionFailed  = "collection_failed"
	EventConnectionExpired = "connection_expired"
)

type Event struct {
	Type       string      `json:"type"`
	MerchantID string      `json:"merchant_id"`
	Data       interface{} `json:"data"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// Publisher never blocks the caller and never reports delivery failures.
type Publisher interface {
	Publish(ev Event)
}

type HTTPPublisher struct {
	url        string
	httpClient *http.Client
}

func NewHTTPPublisher(baseURL string) *HTTPPublisher {
	return &HTTPPublisher{
		url:        baseURL + "/internal/events",
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *HTTPPublisher) Publish(ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.send(ctx, ev); err != nil {
			log.Warn().Err(err).Str("event", ev.Type).Str("merchant_id", ev.MerchantID).Msg("notification not delivered")
		}
	}()
}

func (p *HTTPPublisher) send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("event rejected with status: %d", resp.StatusCode)
	}
	return nil
}

// Nop discards events; used when no notification service is configured.
type Nop struct{}

func (Nop) Publish(Event) {}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events(eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if eventType == "" || ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
