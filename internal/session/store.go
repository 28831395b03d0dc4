package session

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ErrNickInUse means another session holds the nickname.
var ErrNickInUse = errors.New("nickname is already in use")

// ErrExists means a session with the id is already stored.
var ErrExists = errors.New("session exists")

// ErrNoSession means the session is not in the store.
var ErrNoSession = errors.New("no such session")

// CanonicalizeNick converts a nick to its canonical form, the form used for
// uniqueness and lookup.
func CanonicalizeNick(n string) string {
	return strings.ToLower(n)
}

// Store holds every live session, indexed by id and by canonical nick.
//
// Both indexes change under mu so they never disagree.
type Store struct {
	mu     sync.RWMutex
	byID   map[string]*Session
	byNick map[string]*Session
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		byID:   make(map[string]*Session),
		byNick: make(map[string]*Session),
	}
}

// Create makes a session record and stores it.
//
// Records are never reused. Other connections may still hold a record after
// its session is gone, and their sends must not reach whoever connects next.
func (s *Store) Create(id, ip, hostname string, sender Sender) (*Session,
	error) {
	sess := &Session{}
	sess.init(id, ip, hostname, sender)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; ok {
		return nil, ErrExists
	}
	s.byID[id] = sess
	return sess, nil
}

// Get finds a session by id.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.byID[id]
	return sess, ok
}

// GetByNick finds a session by nickname, ignoring case.
func (s *Store) GetByNick(nick string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.byNick[CanonicalizeNick(nick)]
	return sess, ok
}

// Query returns every session for which pred is true.
//
// pred runs without the store lock held, on a snapshot.
func (s *Store) Query(pred func(*Session) bool) []*Session {
	s.mu.RLock()
	all := make([]*Session, 0, len(s.byID))
	for _, sess := range s.byID {
		all = append(all, sess)
	}
	s.mu.RUnlock()

	var matched []*Session
	for _, sess := range all {
		if pred == nil || pred(sess) {
			matched = append(matched, sess)
		}
	}
	return matched
}

// ClaimNick gives sess the nickname if no other session holds it. The check
// and the assignment happen in one critical section.
//
// It returns the previous nick, blank if there was none. A session may
// re-claim its own nick to change its case.
func (s *Store) ClaimNick(sess *Session, nick string) (string, error) {
	canon := CanonicalizeNick(nick)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[sess.ID()]; !ok {
		return "", ErrNoSession
	}

	if holder, ok := s.byNick[canon]; ok && holder != sess {
		return "", ErrNickInUse
	}

	sess.mu.Lock()
	old := sess.nick
	sess.nick = nick
	sess.mu.Unlock()

	if old != "" {
		delete(s.byNick, CanonicalizeNick(old))
	}
	s.byNick[canon] = sess
	return old, nil
}

// Remove drops the session from both indexes. The record stays usable by
// anyone holding it until Release.
func (s *Store) Remove(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	delete(s.byID, id)

	nick := sess.Nick()
	if nick != "" {
		canon := CanonicalizeNick(nick)
		if s.byNick[canon] == sess {
			delete(s.byNick, canon)
		}
	}
	return sess, true
}

// Release detaches a removed session from its connection. Sends through
// the record do nothing afterwards. A stored session is left alone.
func (s *Store) Release(sess *Session) {
	if sess == nil {
		return
	}
	if _, ok := s.Get(sess.ID()); ok {
		return
	}
	sess.detach()
}

// Len is the number of stored sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Counts returns how many sessions are stored, how many are authenticated,
// how many are invisible, and how many are operators.
func (s *Store) Counts() (total, authenticated, invisible, operators int) {
	for _, sess := range s.Query(nil) {
		d := sess.Details()
		total++
		if d.Authenticated {
			authenticated++
		}
		if d.Invisible {
			invisible++
		}
		if d.Operator {
			operators++
		}
	}
	return total, authenticated, invisible, operators
}
