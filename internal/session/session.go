// Package session holds per-connection user state.
package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/horgh/irc"
)

// PlaceholderNick is what numerics address before a nick is known.
const PlaceholderNick = "*"

// Sender queues a message for a connection. It must not block.
type Sender interface {
	Send(m irc.Message)
}

// Session is the server side state of one client connection.
//
// All fields are guarded by mu. The nickname changes only through
// Store.ClaimNick so the store's nick index stays consistent.
type Session struct {
	mu sync.RWMutex

	id     string
	sender Sender

	nick     string
	username string
	realName string
	hostname string
	vhost    string
	ip       string

	authenticated bool
	passwordValid bool
	registered    bool
	operator      bool
	away          bool
	invisible     bool

	awayMessage string

	connectedAt  time.Time
	lastActivity time.Time
	lastPing     time.Time
	lastPong     time.Time

	// Canonical channel names.
	channels map[string]struct{}

	// Set when the session leaves its channels for good. No channel may be
	// added after.
	closed bool
}

// Details is a copy of a session's identity and flags.
type Details struct {
	ID            string
	Nick          string
	Username      string
	RealName      string
	Hostname      string
	IP            string
	Authenticated bool
	Registered    bool
	Operator      bool
	Away          bool
	AwayMessage   string
	Invisible     bool
	ConnectedAt   time.Time
	LastActivity  time.Time
	Channels      []string
}

// detach drops the connection. Sends do nothing afterwards.
func (s *Session) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = nil
}

func (s *Session) init(id, ip, hostname string, sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.id = id
	s.ip = ip
	s.hostname = hostname
	s.sender = sender
	s.connectedAt = now
	s.lastActivity = now
	s.lastPing = now
	s.lastPong = now
	s.channels = make(map[string]struct{})
}

func (s *Session) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("%s %s (%s)", s.id, s.nickLocked(), s.ip)
}

// ID is the opaque session identifier.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Nick is the current nickname. Blank before NICK.
func (s *Session) Nick() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nick
}

// DisplayNick is the nick to address numerics to.
func (s *Session) DisplayNick() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nickLocked()
}

func (s *Session) nickLocked() string {
	if s.nick == "" {
		return PlaceholderNick
	}
	return s.nick
}

// Username is from USER.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// RealName is from USER.
func (s *Session) RealName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.realName
}

// SetUser records USER information.
func (s *Session) SetUser(username, realName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
	s.realName = realName
}

// Hostname is the vhost if one is set, otherwise the connection's host.
func (s *Session) Hostname() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hostLocked()
}

func (s *Session) hostLocked() string {
	if s.vhost != "" {
		return s.vhost
	}
	return s.hostname
}

// SetVhost replaces the visible hostname.
func (s *Session) SetVhost(vhost string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vhost = vhost
}

// IP is the peer address.
func (s *Session) IP() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ip
}

// UserHost is ~user@host.
func (s *Session) UserHost() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("~%s@%s", s.username, s.hostLocked())
}

// NickUhost is nick!~user@host, the prefix of messages from this user.
func (s *Session) NickUhost() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("%s!~%s@%s", s.nick, s.username, s.hostLocked())
}

// PasswordValid reports whether PASS matched the server password.
func (s *Session) PasswordValid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.passwordValid
}

// SetPasswordValid records a matching PASS.
func (s *Session) SetPasswordValid() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passwordValid = true
}

// Authenticated reports whether registration completed.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// MarkAuthenticated checks the registration gate: nick and username set, and
// a valid password if one is required. It returns true only on the call that
// moves the session to authenticated. Later calls return false.
func (s *Session) MarkAuthenticated(requirePassword bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.authenticated {
		return false
	}
	if s.nick == "" || s.username == "" {
		return false
	}
	if requirePassword && !s.passwordValid {
		return false
	}

	now := time.Now()
	s.authenticated = true
	s.lastActivity = now
	s.lastPing = now
	s.lastPong = now
	return true
}

// Registered reports whether the welcome burst went out.
func (s *Session) Registered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registered
}

// SetRegistered records that the welcome burst went out. It returns false if
// it already had.
func (s *Session) SetRegistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registered {
		return false
	}
	s.registered = true
	return true
}

// Operator reports whether the user is an IRC operator.
func (s *Session) Operator() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.operator
}

// SetOperator sets or clears operator status.
func (s *Session) SetOperator(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operator = on
}

// Invisible is user mode +i.
func (s *Session) Invisible() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.invisible
}

// SetInvisible sets or clears user mode +i.
func (s *Session) SetInvisible(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invisible = on
}

// Away returns the away message and whether the user is away.
func (s *Session) Away() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.awayMessage, s.away
}

// SetAway marks the user away. A blank message marks them back.
func (s *Session) SetAway(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.away = message != ""
	s.awayMessage = message
}

// Touch records activity from the client.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity is when we last heard from the client.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// PingSent records that we sent a PING at t.
func (s *Session) PingSent(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPing = t
}

// LastPing is when we last sent a PING.
func (s *Session) LastPing() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPing
}

// PongReceived records a PONG at t.
func (s *Session) PongReceived(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPong = t
	s.lastActivity = t
}

// LastPong is when the client last answered a PING.
func (s *Session) LastPong() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPong
}

// AddChannel records membership of a canonical channel name. It reports
// false, and records nothing, once the session is closed.
func (s *Session) AddChannel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.channels[name] = struct{}{}
	return true
}

// Close marks the session as leaving all its channels and returns them.
// Later AddChannel calls fail, so the list is final.
func (s *Session) Close() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.channelsLocked()
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// RemoveChannel forgets membership of a canonical channel name.
func (s *Session) RemoveChannel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, name)
}

// Channels lists the canonical channel names the session is on, sorted.
func (s *Session) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channelsLocked()
}

func (s *Session) channelsLocked() []string {
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Details copies the session's state.
func (s *Session) Details() Details {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Details{
		ID:            s.id,
		Nick:          s.nick,
		Username:      s.username,
		RealName:      s.realName,
		Hostname:      s.hostLocked(),
		IP:            s.ip,
		Authenticated: s.authenticated,
		Registered:    s.registered,
		Operator:      s.operator,
		Away:          s.away,
		AwayMessage:   s.awayMessage,
		Invisible:     s.invisible,
		ConnectedAt:   s.connectedAt,
		LastActivity:  s.lastActivity,
		Channels:      s.channelsLocked(),
	}
}

// Send queues a message to the client. After the session is released it
// does nothing.
func (s *Session) Send(m irc.Message) {
	s.mu.RLock()
	sender := s.sender
	s.mu.RUnlock()

	if sender != nil {
		sender.Send(m)
	}
}
