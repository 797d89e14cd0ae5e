package session

import "sync"

// ChallengeSlot holds the most recent one-time authentication challenge
// for pull-based retrieval. Consumers poll; there is no push notification.
type ChallengeSlot struct {
	mu   sync.Mutex
	code string
}

// Set stores a freshly issued challenge, replacing any previous one.
func (s *ChallengeSlot) Set(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.code = code
}

// Clear drops the stored challenge.
func (s *ChallengeSlot) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.code = ""
}

// Current returns the pending challenge, if one exists.
func (s *ChallengeSlot) Current() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.code == "" {
		return "", false
	}
	return s.code, true
}
