package processor

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func freezeNow(t *testing.T, at time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = prev })
}

func TestVerifyTimestamped(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	freezeNow(t, at)
	payload := []byte(`{"id":"evt_1"}`)
	secret := "whsec_test"
	ts := strconv.FormatInt(at.Unix(), 10)

	t.Run("valid", func(t *testing.T) {
		sig := SignTimestamped(secret, at, payload)
		assert.NoError(t, VerifyTimestamped(secret, ts, sig, payload))
	})

	t.Run("tampered payload", func(t *testing.T) {
		sig := SignTimestamped(secret, at, payload)
		assert.ErrorIs(t, VerifyTimestamped(secret, ts, sig, []byte(`{"id":"evt_2"}`)), ErrInvalidSignature)
	})

	t.Run("wrong secret", func(t *testing.T) {
		sig := SignTimestamped("other", at, payload)
		assert.ErrorIs(t, VerifyTimestamped(secret, ts, sig, payload), ErrInvalidSignature)
	})

	t.Run("outside replay window", func(t *testing.T) {
		old := at.Add(-6 * time.Minute)
		sig := SignTimestamped(secret, old, payload)
		assert.ErrorIs(t, VerifyTimestamped(secret, strconv.FormatInt(old.Unix(), 10), sig, payload), ErrStaleWebhook)
	})

	t.Run("inside replay window", func(t *testing.T) {
		recent := at.Add(-4 * time.Minute)
		sig := SignTimestamped(secret, recent, payload)
		assert.NoError(t, VerifyTimestamped(secret, strconv.FormatInt(recent.Unix(), 10), sig, payload))
	})

	t.Run("missing headers", func(t *testing.T) {
		assert.ErrorIs(t, VerifyTimestamped(secret, "", "", payload), ErrInvalidSignature)
		assert.ErrorIs(t, VerifyTimestamped(secret, "abc", "00", payload), ErrInvalidSignature)
	})
}

func TestVerifyURL(t *testing.T) {
	payload := []byte(`{"type":"payment.updated"}`)
	url := "https://pay.example.com/api/v1/webhooks/square/c1"
	sig := SignURL("key", url, payload)

	assert.NoError(t, VerifyURL("key", url, sig, payload))
	assert.ErrorIs(t, VerifyURL("key", url+"x", sig, payload), ErrInvalidSignature)
	assert.ErrorIs(t, VerifyURL("", url, sig, payload), ErrInvalidSignature)
}

func TestFakeParseWebhook(t *testing.T) {
	at := time.Now()
	f := NewFake("square")
	payload := []byte(`{"ExternalTransactionID":"sq_1","Amount":2500,"Currency":"USD","Status":"completed"}`)

	h := http.Header{}
	h.Set(FakeTimestampHeader, strconv.FormatInt(at.Unix(), 10))
	h.Set(FakeSignatureHeader, SignTimestamped("s3cret", at, payload))

	ev, err := f.ParseWebhook(WebhookRequest{Payload: payload, Headers: h, Secret: "s3cret"})
	assert.NoError(t, err)
	assert.Equal(t, "sq_1", ev.ExternalTransactionID)
	assert.Equal(t, int64(2500), ev.Amount)

	_, err = f.ParseWebhook(WebhookRequest{Payload: payload, Headers: h, Secret: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
