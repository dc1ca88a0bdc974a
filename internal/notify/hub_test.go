package notify

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing hub: %v", err)
	}
	return conn
}

func TestHubBroadcastsToConnectedClient(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	defer srv.Close()

	conn := dialHub(t, srv)
	defer conn.Close()

	// Give the server goroutine time to register the client before publishing.
	time.Sleep(50 * time.Millisecond)
	hub.Publish(Event{Kind: EventAccountAdded, AccountID: 3})

	var ev Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading broadcast event: %v", err)
	}
	if ev.Kind != EventAccountAdded || ev.AccountID != 3 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestHubDebouncesBurstOfSameKind(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	defer srv.Close()

	conn := dialHub(t, srv)
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 5; i++ {
		hub.Publish(Event{Kind: EventCircuitBreakerOpen, Endpoint: "endpoint-" + string(rune('0'+i))})
	}

	var ev Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading broadcast event: %v", err)
	}
	if ev.Endpoint != "endpoint-4" {
		t.Fatalf("expected the burst to collapse to the last published event, got %+v", ev)
	}

	// No second broadcast should follow within the debounce window.
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if err := conn.ReadJSON(&ev); err == nil {
		t.Fatalf("expected no further broadcasts from a debounced burst, got %+v", ev)
	}
}

func TestHubBroadcastsToMultipleClients(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	defer srv.Close()

	connA := dialHub(t, srv)
	defer connA.Close()
	connB := dialHub(t, srv)
	defer connB.Close()

	time.Sleep(50 * time.Millisecond)
	hub.Publish(Event{Kind: EventAllAccountsBlocked})

	for _, c := range []*websocket.Conn{connA, connB} {
		var ev Event
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := c.ReadJSON(&ev); err != nil {
			t.Fatalf("reading broadcast event: %v", err)
		}
		if ev.Kind != EventAllAccountsBlocked {
			t.Fatalf("unexpected event: %+v", ev)
		}
	}
}

func TestMarshalEvent(t *testing.T) {
	ev := Event{Kind: EventAccountRemoved, AccountID: 7}
	b, err := MarshalEvent(ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(b), `"account_removed"`) {
		t.Fatalf("expected marshaled event to contain its kind, got %s", b)
	}
}
