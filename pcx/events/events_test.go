package events

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"proxychains/pcx/model"
)

func TestNoopPublisherDoesNothing(t *testing.T) {
	var p Publisher = NoopPublisher{}
	p.Publish(model.BridgeEvent{Kind: model.EventOpened})
}

func TestHubBroadcastsToSubscriber(t *testing.T) {
	h := NewHub()
	defer h.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h.ServeWS(w, r); err != nil {
			t.Logf("ServeWS: %v", err)
		}
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	u, _ := url.Parse(wsURL)
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	time.Sleep(20 * time.Millisecond) // let registration land
	h.Publish(model.BridgeEvent{Kind: model.EventOpened, FD: 7})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got model.BridgeEvent
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Kind != model.EventOpened || got.FD != 7 {
		t.Fatalf("got %+v", got)
	}
}
