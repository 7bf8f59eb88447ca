// Package events fans out bridge lifecycle events to any number of
// websocket subscribers. The teacher never imports gorilla/websocket
// despite declaring it in go.mod; this is that dependency's first real
// use, grounded on the generic "hub with a register/unregister/broadcast
// goroutine" idiom the package implies.
package events

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"proxychains/pcx/common/logx"
	"proxychains/pcx/model"
)

var log = logx.New(logx.WithPrefix("events"))

// Publisher is what pcx/worker depends on, so a disabled control plane can
// hand it a no-op.
type Publisher interface {
	Publish(ev model.BridgeEvent)
}

// NoopPublisher discards every event; used when ControlConfig.Enabled is
// false so pcx/worker never has to nil-check its Events field.
type NoopPublisher struct{}

func (NoopPublisher) Publish(model.BridgeEvent) {}

const (
	sendBuffer   = 32
	writeTimeout = 5 * time.Second
)

// Hub broadcasts BridgeEvents to every currently connected websocket
// client. One goroutine owns client registration to avoid a mutex on the
// hot broadcast path.
type Hub struct {
	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client
	broadcast  chan model.BridgeEvent

	done chan struct{}
}

type client struct {
	conn *websocket.Conn
	out  chan model.BridgeEvent
}

func NewHub() *Hub {
	h := &Hub{
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan model.BridgeEvent, 256),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	clients := make(map[*client]struct{})
	for {
		select {
		case c := <-h.register:
			clients[c] = struct{}{}
		case c := <-h.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.out)
			}
		case ev := <-h.broadcast:
			for c := range clients {
				select {
				case c.out <- ev:
				default:
					log.Warnf("events: dropping slow subscriber")
				}
			}
		case <-h.done:
			for c := range clients {
				close(c.out)
			}
			return
		}
	}
}

// Publish satisfies Publisher.
func (h *Hub) Publish(ev model.BridgeEvent) {
	select {
	case h.broadcast <- ev:
	case <-h.done:
	}
}

func (h *Hub) Close() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// ServeWS upgrades the request and pumps events to it until the client
// disconnects or the hub is closed.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{conn: conn, out: make(chan model.BridgeEvent, sendBuffer)}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return nil
	}

	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		conn.Close()
	}()

	for ev := range c.out {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			return err
		}
	}
	return nil
}
