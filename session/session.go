// session/session.go
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/wfunc/partysync/network"
	"golang.org/x/time/rate"
)

// Session is one relay connection and the topics it listens on.
type Session struct {
	ID         string
	Conn       network.Connection
	CreatedAt  time.Time
	LastActive time.Time
	limiter    *rate.Limiter
	topics     map[string]struct{}
	mutex      sync.RWMutex
}

func NewSession(id string, conn network.Connection) *Session {
	now := time.Now()
	return &Session{
		ID:         id,
		Conn:       conn,
		CreatedAt:  now,
		LastActive: now,
		limiter:    rate.NewLimiter(rate.Inf, 0),
		topics:     make(map[string]struct{}),
	}
}

// SetRateLimit caps how many publish frames per second the session may send.
func (s *Session) SetRateLimit(perSecond float64, burst int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
}

// AllowPublish consumes one token of the publish budget.
func (s *Session) AllowPublish() bool {
	s.mutex.RLock()
	l := s.limiter
	s.mutex.RUnlock()
	return l.Allow()
}

func (s *Session) Touch() {
	s.mutex.Lock()
	s.LastActive = time.Now()
	s.mutex.Unlock()
}

func (s *Session) Send(msgID uint16, data []byte) error {
	s.Touch()
	return s.Conn.Send(msgID, data)
}

func (s *Session) GetID() string {
	return s.ID
}

func (s *Session) Topics() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *Session) Close() error {
	return s.Conn.Close()
}

// Session管理器
type Manager struct {
	sessions    map[string]*Session
	subscribers map[string]map[string]*Session // topic -> session id -> session
	mutex       sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{
		sessions:    make(map[string]*Session),
		subscribers: make(map[string]map[string]*Session),
	}
}

func (m *Manager) Add(session *Session) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sessions[session.ID] = session
}

// Remove drops the session and all of its subscriptions.
func (m *Manager) Remove(sessionID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	for _, topic := range sess.Topics() {
		m.unsubscribeLocked(sess, topic)
	}
}

func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	session, exists := m.sessions[sessionID]
	return session, exists
}

func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.sessions)
}

func (m *Manager) Subscribe(session *Session, topic string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.sessions[session.ID]; !ok {
		return
	}
	subs, ok := m.subscribers[topic]
	if !ok {
		subs = make(map[string]*Session)
		m.subscribers[topic] = subs
	}
	subs[session.ID] = session

	session.mutex.Lock()
	session.topics[topic] = struct{}{}
	session.mutex.Unlock()
}

func (m *Manager) Unsubscribe(session *Session, topic string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.unsubscribeLocked(session, topic)
}

func (m *Manager) unsubscribeLocked(session *Session, topic string) {
	if subs, ok := m.subscribers[topic]; ok {
		delete(subs, session.ID)
		if len(subs) == 0 {
			delete(m.subscribers, topic)
		}
	}
	session.mutex.Lock()
	delete(session.topics, topic)
	session.mutex.Unlock()
}

// Subscribers returns a copy of the sessions listening on topic.
func (m *Manager) Subscribers(topic string) []*Session {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	subs := m.subscribers[topic]
	result := make([]*Session, 0, len(subs))
	for _, s := range subs {
		result = append(result, s)
	}
	return result
}

// TopicCount is the number of topics with at least one listener.
func (m *Manager) TopicCount() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.subscribers)
}
