package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/c50bossio/hybrid-payments/internal/model"
)

// restClient is the JSON transport shared by the REST-based adapters. One breaker per
// processor type trips on consecutive ambiguous failures; 4xx answers do not count.
type restClient struct {
	processor  model.ProcessorType
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

func newRESTClient(processor model.ProcessorType, baseURL string, timeout time.Duration) *restClient {
	return &restClient{
		processor:  processor,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(processor),
			MaxRequests: 3,
			Interval:    30 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !IsAmbiguous(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("processor", name).Str("from", from.String()).Str("to", to.String()).Msg("processor circuit state changed")
			},
		}),
	}
}

func (c *restClient) do(ctx context.Context, method, path string, headers map[string]string, payload, response interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.send(ctx, method, path, headers, payload, response)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s unavailable: %w", c.processor, err)
	}
	return err
}

// doForm posts a form-encoded body, as OAuth token endpoints expect.
func (c *restClient) doForm(ctx context.Context, path string, headers map[string]string, form url.Values, response interface{}) error {
	h := map[string]string{"Content-Type": "application/x-www-form-urlencoded"}
	for k, v := range headers {
		h[k] = v
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.exchange(ctx, "POST", path, h, strings.NewReader(form.Encode()), response)
	})
	return err
}

func (c *restClient) send(ctx context.Context, method, path string, headers map[string]string, payload, response interface{}) error {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(jsonData)
		h := map[string]string{"Content-Type": "application/json"}
		for k, v := range headers {
			h[k] = v
		}
		headers = h
	}
	return c.exchange(ctx, method, path, headers, body, response)
}

func (c *restClient) exchange(ctx context.Context, method, path string, headers map[string]string, body io.Reader, response interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", c.processor, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, &StatusError{Processor: c.processor, StatusCode: resp.StatusCode, Body: string(respBody)})
	case resp.StatusCode == http.StatusPaymentRequired:
		return fmt.Errorf("%w: %s", ErrDeclined, &StatusError{Processor: c.processor, StatusCode: resp.StatusCode, Body: string(respBody)})
	case resp.StatusCode >= 400:
		return &StatusError{Processor: c.processor, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if response != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, response); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
