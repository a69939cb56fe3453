package room

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
)

const DEFAULT_CAPACITY = 5

var (
	ErrUnknownConnection = errors.New("connection has no room")
	ErrUnknownRoom       = errors.New("room not found")
)

// Binding is the weak player to room lookup used for targeted broadcasts.
type Binding struct {
	RoomCode string
	ConnID   string
}

type room struct {
	code    string
	members []string
}

// Manager groups connections into rooms of bounded size. All state sits
// behind one mutex so that room creation and destruction are linearizable
// with the capacity checks.
type Manager struct {
	capacity int

	mu       sync.Mutex
	order    []*room
	byCode   map[string]*room
	byConn   map[string]*room
	bindings map[string]Binding
}

func NewManager(capacity int) *Manager {
	if capacity < 1 {
		capacity = DEFAULT_CAPACITY
	}
	return &Manager{
		capacity: capacity,
		byCode:   make(map[string]*room),
		byConn:   make(map[string]*room),
		bindings: make(map[string]Binding),
	}
}

func (m *Manager) Capacity() int {
	return m.capacity
}

// Assign puts connID into the oldest room with a free seat, creating a room
// when all are full. Assigning a connection twice returns its current room.
func (m *Manager) Assign(connID string) (string, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.byConn[connID]; ok {
		return r.code, clone(r.members)
	}

	var target *room
	for _, r := range m.order {
		if len(r.members) < m.capacity {
			target = r
			break
		}
	}
	if target == nil {
		target = &room{code: m.newCodeLocked()}
		m.order = append(m.order, target)
		m.byCode[target.code] = target
	}
	target.members = append(target.members, connID)
	m.byConn[connID] = target
	return target.code, clone(target.members)
}

// Release removes connID from its room and destroys the room once empty.
// It returns the remaining members so the caller can announce the roster.
func (m *Manager) Release(connID string) (code string, members []string, destroyed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.byConn[connID]
	if !ok {
		return "", nil, false, ErrUnknownConnection
	}
	delete(m.byConn, connID)
	for i, id := range r.members {
		if id == connID {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}

	if len(r.members) == 0 {
		delete(m.byCode, r.code)
		for i, o := range m.order {
			if o == r {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
		return r.code, nil, true, nil
	}
	return r.code, clone(r.members), false, nil
}

func (m *Manager) Members(code string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byCode[code]
	if !ok {
		return nil, ErrUnknownRoom
	}
	return clone(r.members), nil
}

func (m *Manager) RoomOf(connID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byConn[connID]
	if !ok {
		return "", false
	}
	return r.code, true
}

// Rooms returns every live room code in creation order.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	codes := make([]string, len(m.order))
	for i, r := range m.order {
		codes[i] = r.code
	}
	return codes
}

// BindPlayer points playerID at the room of connID, replacing any earlier
// binding from another connection.
func (m *Manager) BindPlayer(playerID, connID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byConn[connID]
	if !ok {
		return "", ErrUnknownConnection
	}
	m.bindings[playerID] = Binding{RoomCode: r.code, ConnID: connID}
	return r.code, nil
}

func (m *Manager) UnbindPlayer(playerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, playerID)
}

// UnbindConn removes every binding that still points at connID. Bindings a
// reconnect has already moved elsewhere are left alone.
func (m *Manager) UnbindConn(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var players []string
	for playerID, b := range m.bindings {
		if b.ConnID == connID {
			delete(m.bindings, playerID)
			players = append(players, playerID)
		}
	}
	sort.Strings(players)
	return players
}

func (m *Manager) Lookup(playerID string) (Binding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[playerID]
	return b, ok
}

type Stats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
	Players     int `json:"players"`
	Capacity    int `json:"capacity"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Rooms:       len(m.order),
		Connections: len(m.byConn),
		Players:     len(m.bindings),
		Capacity:    m.capacity,
	}
}

func (m *Manager) newCodeLocked() string {
	for {
		b := make([]byte, 3)
		rand.Read(b)
		code := hex.EncodeToString(b)
		if _, taken := m.byCode[code]; !taken {
			return code
		}
	}
}

func clone(s []string) []string {
	return append([]string(nil), s...)
}
