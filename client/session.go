package client

import (
	"sync/atomic"
	"time"
)

type sessionState struct {
	token   string
	expires time.Time
}

// Session holds the token attached to every outgoing request. Updates
// replace token and expiry together; the last writer wins.
type Session struct {
	v atomic.Pointer[sessionState]
}

func (s *Session) Token() string {
	if st := s.v.Load(); st != nil {
		return st.token
	}
	return ""
}

func (s *Session) Expires() time.Time {
	if st := s.v.Load(); st != nil {
		return st.expires
	}
	return time.Time{}
}

func (s *Session) Set(token string, expires time.Time) {
	s.v.Store(&sessionState{token: token, expires: expires})
}

func (s *Session) Clear() {
	s.v.Store(nil)
}

// Valid reports whether a token is set and, if it carries an expiry, has
// not expired at now.
func (s *Session) Valid(now time.Time) bool {
	st := s.v.Load()
	if st == nil || st.token == "" {
		return false
	}
	return st.expires.IsZero() || now.Before(st.expires)
}
