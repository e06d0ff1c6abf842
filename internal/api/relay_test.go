package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestRelayDeliversEvents(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got []DashboardEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev DashboardEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}))
	defer srv.Close()

	relay := NewRelay(srv.URL, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Run(ctx)

	relay.Publish(EventOrderFilled, "nba-lal-bos", map[string]float64{"price": 0.42})
	relay.Publish(EventPositionUpdate, "nba-lal-bos", nil)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("delivered %d events, want 2", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].Type != EventOrderFilled || got[0].MarketSlug != "nba-lal-bos" {
		t.Fatalf("first event = %+v", got[0])
	}
}

func TestRelayDropsOldestWhenFull(t *testing.T) {
	t.Parallel()
	relay := NewRelay("http://127.0.0.1:1", slog.New(slog.NewTextHandler(io.Discard, nil)))

	// No consumer running: overflow the queue and confirm Publish never
	// blocks and the newest event survives.
	for i := 0; i < relayQueueSize+10; i++ {
		relay.Publish(EventLogMessage, "", i)
	}

	var last DashboardEvent
	for {
		select {
		case ev := <-relay.queue:
			last = ev
		default:
			if last.Data == nil {
				t.Fatal("queue drained empty")
			}
			if last.Data.(int) != relayQueueSize+9 {
				t.Fatalf("newest event = %v, want %d", last.Data, relayQueueSize+9)
			}
			return
		}
	}
}

func TestRelayDisabledWithoutURL(t *testing.T) {
	t.Parallel()
	relay := NewRelay("", slog.New(slog.NewTextHandler(io.Discard, nil)))
	relay.Publish(EventOrderPlaced, "slug", nil)
	if len(relay.queue) != 0 {
		t.Fatal("disabled relay must not enqueue")
	}
}
