package editqueue

import "sync"

// admissionSet is the set of edit IDs currently being worked on by one Queue.
type admissionSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newAdmissionSet() *admissionSet {
	return &admissionSet{ids: make(map[string]struct{})}
}

// tryAdd inserts id and reports whether it was absent.
func (s *admissionSet) tryAdd(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *admissionSet) remove(id string) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
}

func (s *admissionSet) contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

func (s *admissionSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
