package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPPublisher_PostsEvent(t *testing.T) {
	got := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/events", r.URL.Path)
		var ev Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		got <- ev
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	NewHTTPPublisher(srv.URL).Publish(Event{Type: EventCollectionFailed, MerchantID: "m1"})

	select {
	case ev := <-got:
		assert.Equal(t, EventCollectionFailed, ev.Type)
		assert.Equal(t, "m1", ev.MerchantID)
		assert.False(t, ev.OccurredAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestHTTPPublisher_DoesNotBlockOnSlowReceiver(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	NewHTTPPublisher(srv.URL).Publish(Event{Type: EventConnectionExpired})
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Publish(Event{Type: EventCollectionFailed})
	r.Publish(Event{Type: EventConnectionExpired})

	assert.Len(t, r.Events(""), 2)
	assert.Len(t, r.Events(EventConnectionExpired), 1)
}
