// Package channel holds channel state and the channel protocol: join, part,
// messaging, topics, kicks, invites and modes.
package channel

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/horgh/catbox/internal/mask"
)

// 50 from RFC
const maxNameLength = 50

// Arbitrary. Something low enough we won't hit message limit.
const maxTopicLength = 300

// Canonicalize converts a channel name to its canonical representation
// (which must be unique).
//
// Note: We don't check validity or strip whitespace.
func Canonicalize(name string) string {
	return strings.ToLower(name)
}

// ValidName checks a channel name for validity.
//
// You should canonicalize it before using this function.
func ValidName(name string) bool {
	if len(name) < 2 || len(name) > maxNameLength {
		return false
	}

	if name[0] != '#' {
		return false
	}

	for _, char := range name[1:] {
		if char >= 'a' && char <= 'z' {
			continue
		}
		if char >= '0' && char <= '9' {
			continue
		}
		if char == '-' || char == '_' || char == '.' {
			continue
		}
		return false
	}

	return true
}

// Member is one session's membership in a channel.
type Member struct {
	SessionID string
	Nick      string
	Op        bool
	Voice     bool
}

// Prefix is the NAMES prefix for the member's status.
func (m Member) Prefix() string {
	if m.Op {
		return "@"
	}
	if m.Voice {
		return "+"
	}
	return ""
}

// Channel holds everything to do with a channel.
//
// mu guards every field below it.
type Channel struct {
	mu sync.Mutex

	// Display name, as the founder typed it.
	name string

	// Canonicalized name.
	canon string

	// Session id of whoever created it.
	founder string
	created time.Time

	// Current topic. May be blank.
	topic string

	// nick!user@host of whoever set the topic.
	topicSetter string
	topicTime   time.Time

	key        string
	limit      int
	inviteOnly bool
	moderated  bool
	noExternal bool
	topicLock  bool

	bans []string

	// Session ids invited while +i.
	invites map[string]struct{}

	// Session id to membership.
	// If we have zero members, we should not exist.
	members map[string]*Member

	// Set once the channel emptied and left the store. Anyone holding the
	// object must look the channel up again.
	dead bool
}

func newChannel(name, founder string) *Channel {
	return &Channel{
		name:       name,
		canon:      Canonicalize(name),
		founder:    founder,
		created:    time.Now(),
		noExternal: true,
		topicLock:  true,
		invites:    make(map[string]struct{}),
		members:    make(map[string]*Member),
	}
}

// Name is the channel's display name.
func (c *Channel) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// MemberCount is how many sessions are in the channel.
func (c *Channel) MemberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}

// IsMember reports whether the session is in the channel.
func (c *Channel) IsMember(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.members[sessionID]
	return ok
}

// Member returns a copy of a session's membership.
func (c *Channel) Member(sessionID string) (Member, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.members[sessionID]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Members copies the membership list, sorted by nick.
func (c *Channel) Members() []Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.membersLocked()
}

func (c *Channel) membersLocked() []Member {
	members := make([]Member, 0, len(c.members))
	for _, m := range c.members {
		members = append(members, *m)
	}
	sort.Slice(members, func(i, j int) bool {
		return Canonicalize(members[i].Nick) < Canonicalize(members[j].Nick)
	})
	return members
}

// Founder is the session id of whoever created the channel.
func (c *Channel) Founder() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.founder
}

// Topic returns the topic and who set it when.
func (c *Channel) Topic() (string, string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topic, c.topicSetter, c.topicTime
}

func (c *Channel) memberIDsLocked(except string) []string {
	ids := make([]string, 0, len(c.members))
	for id := range c.members {
		if id == except {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (c *Channel) memberByNickLocked(nick string) (*Member, bool) {
	canon := strings.ToLower(nick)
	for _, m := range c.members {
		if strings.ToLower(m.Nick) == canon {
			return m, true
		}
	}
	return nil, false
}

func (c *Channel) bannedLocked(nickUhost string) bool {
	for _, banMask := range c.bans {
		if mask.Match(banMask, nickUhost) {
			return true
		}
	}
	return false
}

// modeStringLocked is the channel's modes as RPL_CHANNELMODEIS shows them.
// withKey controls whether the key itself appears.
func (c *Channel) modeStringLocked(withKey bool) (string, []string) {
	modes := "+"
	var args []string

	if c.inviteOnly {
		modes += "i"
	}
	if c.moderated {
		modes += "m"
	}
	if c.noExternal {
		modes += "n"
	}
	if c.topicLock {
		modes += "t"
	}
	if c.key != "" {
		modes += "k"
		if withKey {
			args = append(args, c.key)
		}
	}
	if c.limit > 0 {
		modes += "l"
		args = append(args, strconv.Itoa(c.limit))
	}

	return modes, args
}
