// Package bus streams state transitions to an external hub over a websocket,
// so UIs can follow the assistant without the daemon knowing about them.
package bus

import (
	"encoding/json"
	log "log/slog"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
)

type StateEvent struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	Turn int       `json:"turn"`
	At   time.Time `json:"at"`
}

// Bus is a best-effort publisher. Publishing never blocks the caller beyond
// a channel send; a broken connection is redialed with a fixed backoff and
// events raised while disconnected are dropped.
type Bus struct {
	url    string
	out    chan StateEvent
	closed chan struct{}
	once   sync.Once
}

func Dial(url string) (*Bus, error) {
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	log.Info("connected to hub", "url", url)

	b := &Bus{
		url:    url,
		out:    make(chan StateEvent, 32),
		closed: make(chan struct{}),
	}
	go b.writeLoop(conn)
	return b, nil
}

// Publish is nil-safe so callers can wire the bus unconditionally.
func (b *Bus) Publish(ev StateEvent) {
	if b == nil {
		return
	}
	select {
	case b.out <- ev:
	default:
	}
}

func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.once.Do(func() { close(b.closed) })
}

func (b *Bus) writeLoop(conn *ws.Conn) {
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-b.closed:
			return
		case ev := <-b.out:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if conn == nil {
				conn = b.redial()
				if conn == nil {
					return
				}
			}
			if err := conn.WriteMessage(ws.TextMessage, payload); err != nil {
				log.Warn("hub write failed, reconnecting", "err", err)
				conn.Close()
				conn = b.redial()
				if conn == nil {
					return
				}
				conn.WriteMessage(ws.TextMessage, payload)
			}
		}
	}
}

// redial blocks until the hub is back or the bus is closed.
func (b *Bus) redial() *ws.Conn {
	for {
		select {
		case <-b.closed:
			return nil
		default:
		}
		conn, _, err := ws.DefaultDialer.Dial(b.url, nil)
		if err == nil {
			log.Info("reconnected to hub", "url", b.url)
			return conn
		}
		select {
		case <-b.closed:
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}
