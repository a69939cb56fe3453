package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
)

var (
	errClosed  = errors.New("use of closed connection")
	errTimeout = errors.New("i/o timeout")
)

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	written  [][]byte
	deadline time.Time
	block    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.in:
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, errClosed
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	if f.block != nil {
		f.mu.Lock()
		deadline := f.deadline
		f.mu.Unlock()
		var timeout <-chan time.Time
		if !deadline.IsZero() {
			timeout = time.After(time.Until(deadline))
		}
		select {
		case <-f.block:
		case <-f.closed:
			return errClosed
		case <-timeout:
			return errTimeout
		}
	}
	select {
	case <-f.closed:
		return errClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) SetWriteDeadline(t time.Time) error {
	f.mu.Lock()
	f.deadline = t
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) send(event string, data any) {
	msg, _ := json.Marshal(map[string]any{"event": event, "data": data})
	f.in <- msg
}

type received struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (f *fakeConn) events() []received {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]received, 0, len(f.written))
	for _, raw := range f.written {
		var r received
		if json.Unmarshal(raw, &r) == nil {
			out = append(out, r)
		}
	}
	return out
}

// find returns the data of the last event with the given name.
func (f *fakeConn) find(event string) (json.RawMessage, bool) {
	evs := f.events()
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Event == event {
			return evs[i].Data, true
		}
	}
	return nil, false
}

func (f *fakeConn) count(event string) int {
	n := 0
	for _, e := range f.events() {
		if e.Event == event {
			n++
		}
	}
	return n
}
