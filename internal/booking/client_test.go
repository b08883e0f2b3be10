package booking

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBooking(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/internal/bookings/bk_1":
			fmt.Fprint(w, `{"merchant_id":"m1","booking_ref":"bk_1","amount":7500,"currency":"USD"}`)
		case "/internal/bookings/bk_down":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)

	b, err := c.GetBooking(context.Background(), "bk_1")
	require.NoError(t, err)
	assert.Equal(t, "m1", b.MerchantID)
	assert.Equal(t, int64(7500), b.Amount)

	_, err = c.GetBooking(context.Background(), "bk_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.GetBooking(context.Background(), "bk_down")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestGetBooking_BreakerOpensAfterFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	for i := 0; i < 8; i++ {
		_, _ = c.GetBooking(context.Background(), "bk_1")
	}
	assert.Equal(t, 5, calls)
}
