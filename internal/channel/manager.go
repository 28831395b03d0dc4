package channel

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/horgh/catbox/internal/events"
	"github.com/horgh/catbox/internal/logging"
	"github.com/horgh/catbox/internal/mask"
	"github.com/horgh/catbox/internal/session"
	"github.com/horgh/irc"
	"github.com/pkg/errors"
)

// State conflicts. Handlers turn each into one numeric reply.
var (
	ErrNoSuchChannel    = errors.New("no such channel")
	ErrCannotSend       = errors.New("cannot send to channel")
	ErrNotOnChannel     = errors.New("not on channel")
	ErrChanOpNeeded     = errors.New("channel operator status needed")
	ErrUserNotInChannel = errors.New("user is not on channel")
	ErrUserOnChannel    = errors.New("user is already on channel")
	ErrBadKey           = errors.New("bad channel key")
	ErrChannelFull      = errors.New("channel is full")
	ErrInviteOnly       = errors.New("channel is invite only")
	ErrBanned           = errors.New("banned from channel")
	ErrSessionClosed    = errors.New("session is closed")
)

// How long the nick list in one RPL_NAMREPLY may get.
const maxNamesLength = 400

// Publisher publishes events.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Manager runs the channel protocol.
//
// Each operation checks then mutates under the channel's lock, collects the
// recipients, and sends only after unlocking.
type Manager struct {
	log        *logging.Logger
	serverName string
	store      *Store
	sessions   *session.Store
	bus        Publisher
}

// NewManager creates a Manager. bus may be nil.
func NewManager(log *logging.Logger, serverName string,
	sessions *session.Store, bus Publisher) *Manager {
	return &Manager{
		log:        log,
		serverName: serverName,
		store:      NewStore(),
		sessions:   sessions,
		bus:        bus,
	}
}

// Store is the underlying channel store.
func (m *Manager) Store() *Store {
	return m.store
}

// JoinResult is what a successful join tells whom.
type JoinResult struct {
	// Display name of the channel.
	Channel string

	// Whether this join created the channel.
	Created bool

	// Blank if the session was already a member.
	ToJoiner []irc.Message

	// Messages for the other members, by nickname.
	ToMembers map[string][]irc.Message
}

// JoinChannel adds the session to the channel, creating the channel if it
// does not exist.
//
// Key, limit, invite and ban checks happen before membership changes. A
// failed check leaves the channel as it was. The first member gets
// operator status. Joining a channel one is already on does nothing.
func (m *Manager) JoinChannel(ctx context.Context, sess *session.Session,
	name, key string) (JoinResult, error) {
	if !ValidName(Canonicalize(name)) {
		return JoinResult{}, ErrNoSuchChannel
	}

	for {
		c, created := m.store.getOrCreate(name, sess.ID())
		if created {
			m.publish(ctx, events.ChannelCreated{
				Channel: name,
				Founder: sess.DisplayNick(),
			})
		}

		res, retry, err := m.join(c, created, sess, key)
		if retry {
			// It emptied and was retired after we looked it up.
			m.store.remove(c)
			continue
		}
		if err == ErrSessionClosed && created {
			m.dropIfEmpty(c)
		}
		return res, err
	}
}

func (m *Manager) join(c *Channel, created bool, sess *session.Session,
	key string) (JoinResult, bool, error) {
	id := sess.ID()
	nick := sess.DisplayNick()
	nickUhost := sess.NickUhost()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dead {
		return JoinResult{}, true, nil
	}

	res := JoinResult{Channel: c.name, Created: created}

	if _, ok := c.members[id]; ok {
		return res, false, nil
	}

	if c.key != "" && key != c.key {
		return JoinResult{}, false, ErrBadKey
	}

	if c.limit > 0 && len(c.members) >= c.limit {
		return JoinResult{}, false, ErrChannelFull
	}

	_, invited := c.invites[id]
	if c.inviteOnly && !invited {
		return JoinResult{}, false, ErrInviteOnly
	}
	if !invited && c.bannedLocked(nickUhost) {
		return JoinResult{}, false, ErrBanned
	}

	// The session is disconnecting. Its channel list is already final, so a
	// membership added now would never be removed.
	if !sess.AddChannel(c.canon) {
		return JoinResult{}, false, ErrSessionClosed
	}

	// Everyone who passes the checks becomes a member. Only the first gets
	// ops.
	delete(c.invites, id)
	c.members[id] = &Member{
		SessionID: id,
		Nick:      nick,
		Op:        len(c.members) == 0,
	}

	joinMsg := irc.Message{
		Prefix:  nickUhost,
		Command: "JOIN",
		Params:  []string{c.name},
	}

	res.ToJoiner = append(res.ToJoiner, joinMsg)

	if created {
		modes, _ := c.modeStringLocked(false)
		res.ToJoiner = append(res.ToJoiner, irc.Message{
			Prefix:  m.serverName,
			Command: "MODE",
			Params:  []string{c.name, modes},
		})
	}

	res.ToJoiner = append(res.ToJoiner, m.topicRepliesLocked(c, nick, false)...)
	res.ToJoiner = append(res.ToJoiner, m.namesLocked(c, nick)...)

	res.ToMembers = make(map[string][]irc.Message, len(c.members)-1)
	for memberID, member := range c.members {
		if memberID == id {
			continue
		}
		res.ToMembers[member.Nick] = append(res.ToMembers[member.Nick], joinMsg)
	}

	return res, false, nil
}

// PartChannel removes the session from the channel and tells every member,
// the session included.
func (m *Manager) PartChannel(sess *session.Session, name,
	message string) error {
	c, ok := m.store.Get(name)
	if !ok {
		return ErrNoSuchChannel
	}

	id := sess.ID()
	nickUhost := sess.NickUhost()

	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return ErrNoSuchChannel
	}
	if _, ok := c.members[id]; !ok {
		c.mu.Unlock()
		return ErrNotOnChannel
	}

	recipients := c.memberIDsLocked("")
	delete(c.members, id)
	sess.RemoveChannel(c.canon)
	retired := retireIfEmptyLocked(c)
	display := c.name
	c.mu.Unlock()

	if retired {
		m.store.remove(c)
	}

	params := []string{display}
	if message != "" {
		params = append(params, message)
	}
	m.sendTo(recipients, irc.Message{
		Prefix:  nickUhost,
		Command: "PART",
		Params:  params,
	})
	return nil
}

// SendMessageToChannel relays a PRIVMSG or NOTICE to every member except the
// sender.
//
// Non-members may not send to +n channels. In +m channels and while banned
// only ops and voiced members may send. A refused message reaches nobody.
func (m *Manager) SendMessageToChannel(sess *session.Session, command, name,
	text string) error {
	c, ok := m.store.Get(name)
	if !ok {
		return ErrNoSuchChannel
	}

	id := sess.ID()
	nickUhost := sess.NickUhost()

	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return ErrNoSuchChannel
	}

	member, isMember := c.members[id]
	privileged := isMember && (member.Op || member.Voice)

	if (!isMember && c.noExternal) ||
		(c.moderated && !privileged) ||
		(!privileged && c.bannedLocked(nickUhost)) {
		c.mu.Unlock()
		return ErrCannotSend
	}

	recipients := c.memberIDsLocked(id)
	display := c.name
	c.mu.Unlock()

	m.sendTo(recipients, irc.Message{
		Prefix:  nickUhost,
		Command: command,
		Params:  []string{display, text},
	})
	return nil
}

// Topic returns the replies to a topic query.
func (m *Manager) Topic(sess *session.Session, name string) ([]irc.Message,
	error) {
	c, ok := m.store.Get(name)
	if !ok {
		return nil, ErrNoSuchChannel
	}

	nick := sess.DisplayNick()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dead {
		return nil, ErrNoSuchChannel
	}
	return m.topicRepliesLocked(c, nick, true), nil
}

// SetTopic changes the topic and tells every member, the setter included.
// With +t only ops may change it.
func (m *Manager) SetTopic(sess *session.Session, name, topic string) error {
	c, ok := m.store.Get(name)
	if !ok {
		return ErrNoSuchChannel
	}

	id := sess.ID()
	nickUhost := sess.NickUhost()

	if len(topic) > maxTopicLength {
		topic = topic[:maxTopicLength]
	}

	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return ErrNoSuchChannel
	}

	member, ok := c.members[id]
	if !ok {
		c.mu.Unlock()
		return ErrNotOnChannel
	}
	if c.topicLock && !member.Op {
		c.mu.Unlock()
		return ErrChanOpNeeded
	}

	c.topic = topic
	c.topicSetter = nickUhost
	c.topicTime = time.Now()
	recipients := c.memberIDsLocked("")
	display := c.name
	c.mu.Unlock()

	m.sendTo(recipients, irc.Message{
		Prefix:  nickUhost,
		Command: "TOPIC",
		Params:  []string{display, topic},
	})
	return nil
}

// Kick removes targetNick from the channel. Only ops may kick.
func (m *Manager) Kick(sess *session.Session, name, targetNick,
	reason string) error {
	c, ok := m.store.Get(name)
	if !ok {
		return ErrNoSuchChannel
	}

	id := sess.ID()
	nickUhost := sess.NickUhost()
	if reason == "" {
		reason = sess.DisplayNick()
	}

	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return ErrNoSuchChannel
	}

	member, ok := c.members[id]
	if !ok {
		c.mu.Unlock()
		return ErrNotOnChannel
	}
	if !member.Op {
		c.mu.Unlock()
		return ErrChanOpNeeded
	}

	target, ok := c.memberByNickLocked(targetNick)
	if !ok {
		c.mu.Unlock()
		return ErrUserNotInChannel
	}

	recipients := c.memberIDsLocked("")
	delete(c.members, target.SessionID)
	if targetSess, ok := m.sessions.Get(target.SessionID); ok {
		targetSess.RemoveChannel(c.canon)
	}
	retired := retireIfEmptyLocked(c)
	display := c.name
	c.mu.Unlock()

	if retired {
		m.store.remove(c)
	}

	m.sendTo(recipients, irc.Message{
		Prefix:  nickUhost,
		Command: "KICK",
		Params:  []string{display, target.Nick, reason},
	})
	return nil
}

// Invite lets target into an invite only channel and tells target about it.
//
// If the channel exists the inviter must be on it, and an op if it is +i.
func (m *Manager) Invite(sess, target *session.Session, name string) error {
	display := name

	if c, ok := m.store.Get(name); ok {
		id := sess.ID()
		targetID := target.ID()

		c.mu.Lock()
		if !c.dead {
			member, ok := c.members[id]
			if !ok {
				c.mu.Unlock()
				return ErrNotOnChannel
			}
			if c.inviteOnly && !member.Op {
				c.mu.Unlock()
				return ErrChanOpNeeded
			}
			if _, ok := c.members[targetID]; ok {
				c.mu.Unlock()
				return ErrUserOnChannel
			}
			c.invites[targetID] = struct{}{}
			display = c.name
		}
		c.mu.Unlock()
	}

	target.Send(irc.Message{
		Prefix:  sess.NickUhost(),
		Command: "INVITE",
		Params:  []string{target.DisplayNick(), display},
	})
	return nil
}

// ModeResult is the outcome of a channel MODE command.
type ModeResult struct {
	// Numerics for the requester.
	Replies []irc.Message

	// The change as sent to members, e.g. "+o-k". Blank if nothing changed.
	Modes string
	Args  []string
}

type modeBuilder struct {
	sign  byte
	modes string
	args  []string
}

func (b *modeBuilder) add(set bool, mode byte, arg string) {
	sign := byte('-')
	if set {
		sign = '+'
	}
	if sign != b.sign {
		b.modes += string(sign)
		b.sign = sign
	}
	b.modes += string(mode)
	if arg != "" {
		b.args = append(b.args, arg)
	}
}

// ApplyModes queries or changes channel modes.
//
// With no modes it reports the current ones. A bare b lists bans, which
// anyone may do. Any change needs ops. Unknown letters and o/v targets not
// on the channel produce replies but do not stop the other changes.
func (m *Manager) ApplyModes(sess *session.Session, name, modes string,
	args []string) (ModeResult, error) {
	c, ok := m.store.Get(name)
	if !ok {
		return ModeResult{}, ErrNoSuchChannel
	}

	id := sess.ID()
	to := sess.DisplayNick()
	nickUhost := sess.NickUhost()

	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return ModeResult{}, ErrNoSuchChannel
	}

	member, isMember := c.members[id]

	var res ModeResult

	if modes == "" {
		modeStr, modeArgs := c.modeStringLocked(isMember)
		res.Replies = append(res.Replies,
			// 324 RPL_CHANNELMODEIS
			m.numeric(to, "324", append([]string{c.name, modeStr}, modeArgs...)...),
			// 329 RPL_CREATIONTIME
			m.numeric(to, "329", c.name, strconv.FormatInt(c.created.Unix(), 10)),
		)
		c.mu.Unlock()
		return res, nil
	}

	if (modes == "b" || modes == "+b") && len(args) == 0 {
		res.Replies = m.banListLocked(c, to)
		c.mu.Unlock()
		return res, nil
	}

	if !isMember {
		c.mu.Unlock()
		return ModeResult{}, ErrNotOnChannel
	}
	if !member.Op {
		c.mu.Unlock()
		return ModeResult{}, ErrChanOpNeeded
	}

	var b modeBuilder
	argIndex := 0
	nextArg := func() (string, bool) {
		if argIndex >= len(args) {
			return "", false
		}
		arg := args[argIndex]
		argIndex++
		return arg, true
	}

	set := true
	for i := 0; i < len(modes); i++ {
		mode := modes[i]
		switch mode {
		case '+':
			set = true
		case '-':
			set = false
		case 'i', 'm', 'n', 't':
			flag := c.flagLocked(mode)
			if *flag == set {
				continue
			}
			*flag = set
			b.add(set, mode, "")
		case 'k':
			if !set {
				// -k takes the key as a parameter but it need not match.
				nextArg()
				if c.key == "" {
					continue
				}
				c.key = ""
				b.add(false, mode, "*")
				continue
			}
			key, ok := nextArg()
			if !ok || key == "" || strings.ContainsAny(key, " ,") {
				continue
			}
			c.key = key
			b.add(true, mode, key)
		case 'l':
			if !set {
				if c.limit == 0 {
					continue
				}
				c.limit = 0
				b.add(false, mode, "")
				continue
			}
			arg, ok := nextArg()
			if !ok {
				continue
			}
			limit, err := strconv.Atoi(arg)
			if err != nil || limit <= 0 {
				continue
			}
			c.limit = limit
			b.add(true, mode, strconv.Itoa(limit))
		case 'b':
			arg, ok := nextArg()
			if !ok {
				res.Replies = append(res.Replies, m.banListLocked(c, to)...)
				continue
			}
			banMask := mask.Normalize(arg)
			idx := -1
			for j, ban := range c.bans {
				if strings.EqualFold(ban, banMask) {
					idx = j
					break
				}
			}
			if set {
				if idx != -1 {
					continue
				}
				c.bans = append(c.bans, banMask)
			} else {
				if idx == -1 {
					continue
				}
				c.bans = append(c.bans[:idx], c.bans[idx+1:]...)
			}
			b.add(set, mode, banMask)
		case 'o', 'v':
			arg, ok := nextArg()
			if !ok {
				continue
			}
			target, ok := c.memberByNickLocked(arg)
			if !ok {
				// 441 ERR_USERNOTINCHANNEL
				res.Replies = append(res.Replies, m.numeric(to, "441", arg, c.name,
					"They aren't on that channel"))
				continue
			}
			status := &target.Op
			if mode == 'v' {
				status = &target.Voice
			}
			if *status == set {
				continue
			}
			*status = set
			b.add(set, mode, target.Nick)
		default:
			// 472 ERR_UNKNOWNMODE
			res.Replies = append(res.Replies, m.numeric(to, "472", string(mode),
				fmt.Sprintf("is unknown mode char to me for %s", c.name)))
		}
	}

	recipients := c.memberIDsLocked("")
	display := c.name
	c.mu.Unlock()

	res.Modes = b.modes
	res.Args = b.args

	if b.modes != "" {
		m.sendTo(recipients, irc.Message{
			Prefix:  nickUhost,
			Command: "MODE",
			Params:  append([]string{display, b.modes}, b.args...),
		})
	}

	return res, nil
}

func (c *Channel) flagLocked(mode byte) *bool {
	switch mode {
	case 'i':
		return &c.inviteOnly
	case 'm':
		return &c.moderated
	case 'n':
		return &c.noExternal
	default:
		return &c.topicLock
	}
}

// Names returns the RPL_NAMREPLY lines and RPL_ENDOFNAMES for a channel.
func (m *Manager) Names(sess *session.Session, name string) []irc.Message {
	nick := sess.DisplayNick()

	c, ok := m.store.Get(name)
	if !ok {
		// 366 RPL_ENDOFNAMES
		return []irc.Message{m.numeric(nick, "366", name, "End of NAMES list")}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dead {
		return []irc.Message{m.numeric(nick, "366", name, "End of NAMES list")}
	}
	return m.namesLocked(c, nick)
}

// ListEntry is one line of LIST output.
type ListEntry struct {
	Name    string
	Members int
	Topic   string
}

// List describes every channel.
func (m *Manager) List() []ListEntry {
	var entries []ListEntry
	for _, c := range m.store.All() {
		c.mu.Lock()
		if !c.dead {
			entries = append(entries, ListEntry{
				Name:    c.name,
				Members: len(c.members),
				Topic:   c.topic,
			})
		}
		c.mu.Unlock()
	}
	return entries
}

// Members returns a channel's display name and members.
func (m *Manager) Members(name string) (string, []Member, bool) {
	c, ok := m.store.Get(name)
	if !ok {
		return "", nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dead {
		return "", nil, false
	}
	return c.name, c.membersLocked(), true
}

// Neighbors returns the ids of every other session sharing a channel with
// sess. Each appears once.
func (m *Manager) Neighbors(sess *session.Session) []string {
	id := sess.ID()
	seen := make(map[string]struct{})
	var ids []string

	for _, canon := range sess.Channels() {
		c, ok := m.store.Get(canon)
		if !ok {
			continue
		}

		c.mu.Lock()
		if _, ok := c.members[id]; ok {
			for _, memberID := range c.memberIDsLocked(id) {
				if _, ok := seen[memberID]; ok {
					continue
				}
				seen[memberID] = struct{}{}
				ids = append(ids, memberID)
			}
		}
		c.mu.Unlock()
	}

	return ids
}

// RenameMember records the session's new nick in each of its channels.
func (m *Manager) RenameMember(sess *session.Session, nick string) {
	id := sess.ID()

	for _, canon := range sess.Channels() {
		c, ok := m.store.Get(canon)
		if !ok {
			continue
		}

		c.mu.Lock()
		if member, ok := c.members[id]; ok {
			member.Nick = nick
		}
		c.mu.Unlock()
	}
}

// RemoveSession takes the session out of every channel it is on. It
// returns the ids of the sessions that shared a channel with it, each once.
//
// The session is closed first, so a join racing with this fails instead of
// leaving a member behind.
func (m *Manager) RemoveSession(sess *session.Session) []string {
	id := sess.ID()
	seen := make(map[string]struct{})
	var ids []string

	for _, canon := range sess.Close() {
		sess.RemoveChannel(canon)

		c, ok := m.store.Get(canon)
		if !ok {
			continue
		}

		c.mu.Lock()
		if _, ok := c.members[id]; !ok {
			c.mu.Unlock()
			continue
		}
		for _, memberID := range c.memberIDsLocked(id) {
			if _, ok := seen[memberID]; ok {
				continue
			}
			seen[memberID] = struct{}{}
			ids = append(ids, memberID)
		}
		delete(c.members, id)
		retired := retireIfEmptyLocked(c)
		c.mu.Unlock()

		if retired {
			m.store.remove(c)
		}
	}

	return ids
}

// dropIfEmpty retires c if nobody is on it.
func (m *Manager) dropIfEmpty(c *Channel) {
	c.mu.Lock()
	retired := !c.dead && retireIfEmptyLocked(c)
	c.mu.Unlock()

	if retired {
		m.store.remove(c)
	}
}

func retireIfEmptyLocked(c *Channel) bool {
	if len(c.members) > 0 {
		return false
	}
	c.dead = true
	return true
}

func (m *Manager) publish(ctx context.Context, ev events.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.log.Warnf("unable to publish %s: %s", ev.Kind(), err)
	}
}

// sendTo queues msg to each session. Sessions that are gone are skipped.
func (m *Manager) sendTo(ids []string, msg irc.Message) {
	for _, id := range ids {
		sess, ok := m.sessions.Get(id)
		if !ok {
			continue
		}
		sess.Send(msg)
	}
}

func (m *Manager) numeric(to, code string, params ...string) irc.Message {
	return irc.Message{
		Prefix:  m.serverName,
		Command: code,
		Params:  append([]string{to}, params...),
	}
}

// topicRepliesLocked builds RPL_TOPIC and RPL_TOPICWHOTIME. If there is no
// topic it builds RPL_NOTOPIC when withNoTopic is set and nothing otherwise.
func (m *Manager) topicRepliesLocked(c *Channel, to string,
	withNoTopic bool) []irc.Message {
	if c.topic == "" {
		if !withNoTopic {
			return nil
		}
		// 331 RPL_NOTOPIC
		return []irc.Message{m.numeric(to, "331", c.name, "No topic is set")}
	}

	return []irc.Message{
		// 332 RPL_TOPIC
		m.numeric(to, "332", c.name, c.topic),
		// 333 RPL_TOPICWHOTIME
		m.numeric(to, "333", c.name, c.topicSetter,
			strconv.FormatInt(c.topicTime.Unix(), 10)),
	}
}

// namesLocked builds RPL_NAMREPLY lines, several nicks per line, and
// RPL_ENDOFNAMES.
func (m *Manager) namesLocked(c *Channel, to string) []irc.Message {
	var msgs []irc.Message

	// = is a public channel.
	line := ""
	for _, member := range c.membersLocked() {
		name := member.Prefix() + member.Nick
		if line != "" && len(line)+1+len(name) > maxNamesLength {
			// 353 RPL_NAMREPLY
			msgs = append(msgs, m.numeric(to, "353", "=", c.name, line))
			line = ""
		}
		if line != "" {
			line += " "
		}
		line += name
	}
	if line != "" {
		msgs = append(msgs, m.numeric(to, "353", "=", c.name, line))
	}

	// 366 RPL_ENDOFNAMES
	msgs = append(msgs, m.numeric(to, "366", c.name, "End of NAMES list"))
	return msgs
}

func (m *Manager) banListLocked(c *Channel, to string) []irc.Message {
	var msgs []irc.Message
	for _, ban := range c.bans {
		// 367 RPL_BANLIST
		msgs = append(msgs, m.numeric(to, "367", c.name, ban))
	}
	// 368 RPL_ENDOFBANLIST
	msgs = append(msgs, m.numeric(to, "368", c.name, "End of channel ban list"))
	return msgs
}
