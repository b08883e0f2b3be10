// Package booking reads booking context from the booking service. The engine treats
// bookings as opaque: only merchant, amount, currency and reference are used.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/c50bossio/hybrid-payments/internal/model"
)

var ErrNotFound = errors.New("booking not found")

type Client struct {
	httpClient *http.Client
	baseURL    string
	breaker    *gobreaker.CircuitBreaker
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "booking-service",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrNotFound)
			},
		}),
	}
}

func (c *Client) GetBooking(ctx context.Context, bookingRef string) (*model.BookingContext, error) {
	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.get(ctx, bookingRef)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.BookingContext), nil
}

func (c *Client) get(ctx context.Context, bookingRef string) (*model.BookingContext, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/internal/bookings/"+url.PathEscape(bookingRef), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, bookingRef)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var b model.BookingContext
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("unmarshal booking: %w", err)
	}
	if b.BookingRef == "" {
		b.BookingRef = bookingRef
	}
	return &b, nil
}
