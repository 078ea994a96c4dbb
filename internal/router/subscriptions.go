package router

import "sync"

// subscriptions maps sessions to the connections consuming their output.
type subscriptions struct {
	mu   sync.RWMutex
	byID map[string]map[Conn]struct{}
}

func newSubscriptions() *subscriptions {
	return &subscriptions{byID: make(map[string]map[Conn]struct{})}
}

func (s *subscriptions) add(sessionID string, conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.byID[sessionID]
	if !ok {
		set = make(map[Conn]struct{})
		s.byID[sessionID] = set
	}
	set[conn] = struct{}{}
}

// get returns the current subscribers of a session.
func (s *subscriptions) get(sessionID string) []Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.byID[sessionID]
	conns := make([]Conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}

// removeConn drops conn everywhere and returns the sessions it left with no
// remaining subscriber.
func (s *subscriptions) removeConn(conn Conn) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var emptied []string
	for sessionID, set := range s.byID {
		if _, ok := set[conn]; !ok {
			continue
		}
		delete(set, conn)
		if len(set) == 0 {
			delete(s.byID, sessionID)
			emptied = append(emptied, sessionID)
		}
	}
	return emptied
}

func (s *subscriptions) removeSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, sessionID)
}
