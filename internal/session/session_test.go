package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/horgh/irc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	msgs []irc.Message
}

func (r *recorder) Send(m irc.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func newSession(t *testing.T, s *Store, id string) *Session {
	sess, err := s.Create(id, "127.0.0.1", "localhost", &recorder{})
	require.NoError(t, err)
	return sess
}

func TestClaimNick(t *testing.T) {
	s := NewStore()
	a := newSession(t, s, "a")
	b := newSession(t, s, "b")

	old, err := s.ClaimNick(a, "Alice")
	require.NoError(t, err)
	assert.Equal(t, "", old)
	assert.Equal(t, "Alice", a.Nick())

	_, err = s.ClaimNick(b, "ALICE")
	assert.Equal(t, ErrNickInUse, err)
	assert.Equal(t, "", b.Nick())
	assert.Equal(t, PlaceholderNick, b.DisplayNick())

	// Case change of one's own nick.
	old, err = s.ClaimNick(a, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", old)

	found, ok := s.GetByNick("ALICE")
	require.True(t, ok)
	assert.Equal(t, "a", found.ID())

	// Old nick frees up on change.
	_, err = s.ClaimNick(a, "alice2")
	require.NoError(t, err)
	_, err = s.ClaimNick(b, "Alice")
	require.NoError(t, err)

	found, ok = s.GetByNick("alice2")
	require.True(t, ok)
	assert.Equal(t, "a", found.ID())
}

func TestClaimNickConcurrent(t *testing.T) {
	for round := 0; round < 20; round++ {
		s := NewStore()

		var sessions []*Session
		for i := 0; i < 8; i++ {
			sess := newSession(t, s, fmt.Sprintf("s%d", i))
			_, err := s.ClaimNick(sess, fmt.Sprintf("old%d", i))
			require.NoError(t, err)
			sessions = append(sessions, sess)
		}

		var wg sync.WaitGroup
		errs := make([]error, len(sessions))
		for i, sess := range sessions {
			wg.Add(1)
			go func(i int, sess *Session) {
				defer wg.Done()
				_, errs[i] = s.ClaimNick(sess, "Contested")
			}(i, sess)
		}
		wg.Wait()

		winners := 0
		for i, err := range errs {
			if err == nil {
				winners++
				assert.Equal(t, "Contested", sessions[i].Nick())
				continue
			}
			assert.Equal(t, ErrNickInUse, err)
			assert.Equal(t, fmt.Sprintf("old%d", i), sessions[i].Nick())
		}
		assert.Equal(t, 1, winners)
	}
}

func TestMarkAuthenticatedOnce(t *testing.T) {
	tests := []struct {
		name            string
		nick            string
		user            string
		requirePassword bool
		password        bool
		want            bool
	}{
		{"nick and user", "n", "u", false, false, true},
		{"no nick", "", "u", false, false, false},
		{"no user", "n", "", false, false, false},
		{"password missing", "n", "u", true, false, false},
		{"password given", "n", "u", true, true, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := NewStore()
			sess := newSession(t, s, "id")
			if test.nick != "" {
				_, err := s.ClaimNick(sess, test.nick)
				require.NoError(t, err)
			}
			if test.user != "" {
				sess.SetUser(test.user, "Real Name")
			}
			if test.password {
				sess.SetPasswordValid()
			}

			assert.Equal(t, test.want, sess.MarkAuthenticated(test.requirePassword))
			assert.Equal(t, test.want, sess.Authenticated())
			// Never fires a second time.
			assert.False(t, sess.MarkAuthenticated(test.requirePassword))
		})
	}
}

func TestMarkAuthenticatedConcurrent(t *testing.T) {
	s := NewStore()
	sess := newSession(t, s, "id")
	_, err := s.ClaimNick(sess, "n")
	require.NoError(t, err)
	sess.SetUser("u", "r")

	var mu sync.Mutex
	fired := 0
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sess.MarkAuthenticated(false) {
				mu.Lock()
				fired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fired)
}

func TestRemoveAndRelease(t *testing.T) {
	s := NewStore()
	sent := &recorder{}
	sess, err := s.Create("id", "127.0.0.1", "localhost", sent)
	require.NoError(t, err)
	_, err = s.ClaimNick(sess, "bob")
	require.NoError(t, err)
	assert.True(t, sess.AddChannel("#a"))

	removed, ok := s.Remove("id")
	require.True(t, ok)
	assert.Same(t, sess, removed)
	assert.Equal(t, 0, s.Len())
	_, ok = s.GetByNick("bob")
	assert.False(t, ok)

	// The nick is free for others now.
	other := newSession(t, s, "other")
	_, err = s.ClaimNick(other, "bob")
	require.NoError(t, err)

	s.Release(sess)

	// Holders still read a consistent record.
	assert.Equal(t, "id", sess.ID())
	assert.Equal(t, "bob", sess.Nick())

	// Sending on a released record goes nowhere.
	sess.Send(irc.Message{Command: "PING"})
	assert.Empty(t, sent.msgs)

	_, ok = s.Remove("id")
	assert.False(t, ok)
}

// A record someone else still holds must not start delivering to the next
// connection.
func TestReleasedRecordIsNotReused(t *testing.T) {
	s := NewStore()

	for i := 0; i < 100; i++ {
		first := &recorder{}
		held, err := s.Create(fmt.Sprintf("b%d", i), "127.0.0.1", "localhost",
			first)
		require.NoError(t, err)

		_, ok := s.Remove(held.ID())
		require.True(t, ok)
		s.Release(held)

		second := &recorder{}
		next, err := s.Create(fmt.Sprintf("c%d", i), "127.0.0.1", "localhost",
			second)
		require.NoError(t, err)
		require.NotSame(t, held, next)

		held.Send(irc.Message{Command: "PRIVMSG", Params: []string{"x", "y"}})
		assert.Empty(t, first.msgs)
		assert.Empty(t, second.msgs)
	}
}

func TestCloseStopsAddChannel(t *testing.T) {
	s := NewStore()
	sess := newSession(t, s, "id")

	assert.True(t, sess.AddChannel("#a"))
	assert.True(t, sess.AddChannel("#b"))
	assert.False(t, sess.Closed())

	assert.Equal(t, []string{"#a", "#b"}, sess.Close())
	assert.True(t, sess.Closed())

	assert.False(t, sess.AddChannel("#c"))
	assert.Equal(t, []string{"#a", "#b"}, sess.Channels())
}

func TestReleaseKeepsStoredSession(t *testing.T) {
	s := NewStore()
	sess := newSession(t, s, "id")

	s.Release(sess)
	assert.Equal(t, "id", sess.ID())
}

func TestCreateDuplicate(t *testing.T) {
	s := NewStore()
	newSession(t, s, "id")

	_, err := s.Create("id", "127.0.0.1", "localhost", &recorder{})
	assert.Equal(t, ErrExists, err)
	assert.Equal(t, 1, s.Len())
}

func TestQuery(t *testing.T) {
	s := NewStore()
	a := newSession(t, s, "a")
	newSession(t, s, "b")
	a.SetOperator(true)

	ops := s.Query(func(sess *Session) bool { return sess.Operator() })
	require.Len(t, ops, 1)
	assert.Equal(t, "a", ops[0].ID())

	assert.Len(t, s.Query(nil), 2)

	total, _, _, operators := s.Counts()
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, operators)
}

func TestSendAndPrefix(t *testing.T) {
	s := NewStore()
	r := &recorder{}
	sess, err := s.Create("id", "10.0.0.1", "host.example", r)
	require.NoError(t, err)
	_, err = s.ClaimNick(sess, "nick")
	require.NoError(t, err)
	sess.SetUser("user", "Real")

	assert.Equal(t, "nick!~user@host.example", sess.NickUhost())
	sess.SetVhost("cloak")
	assert.Equal(t, "~user@cloak", sess.UserHost())

	sess.Send(irc.Message{Command: "NOTICE", Params: []string{"nick", "hi"}})
	require.Len(t, r.msgs, 1)
	assert.Equal(t, "NOTICE", r.msgs[0].Command)
}
