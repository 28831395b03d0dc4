// Package handlers implements the client commands and the event listeners
// that react to them.
package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/horgh/catbox/internal/channel"
	"github.com/horgh/catbox/internal/config"
	"github.com/horgh/catbox/internal/dispatch"
	"github.com/horgh/catbox/internal/eventbus"
	"github.com/horgh/catbox/internal/events"
	"github.com/horgh/catbox/internal/logging"
	"github.com/horgh/catbox/internal/metrics"
	"github.com/horgh/catbox/internal/queue"
	"github.com/horgh/catbox/internal/session"
	"github.com/horgh/irc"
	"github.com/pkg/errors"
)

// Server is what handlers need from the process that runs them.
type Server interface {
	// Config is the current configuration. It changes on rehash.
	Config() *config.Config

	// Disconnect sends ERROR and closes the session's connection.
	Disconnect(sessionID, reason string)

	// Shutdown stops the server.
	Shutdown(reason string)

	// Rehash reloads the configuration file. It returns the file's path.
	Rehash() (string, error)
}

// Deps are the collaborators of Handlers.
type Deps struct {
	Log      *logging.Logger
	Server   Server
	Sessions *session.Store
	Channels *channel.Manager
	Bus      *eventbus.Bus
	Queue    *queue.Manager
	Metrics  *metrics.Collector
}

// Handlers holds the command handlers and listeners.
type Handlers struct {
	log      *logging.Logger
	server   Server
	sessions *session.Store
	channels *channel.Manager
	bus      *eventbus.Bus
	queue    *queue.Manager
	metrics  *metrics.Collector

	// Set by Register.
	registry *dispatch.Registry
}

// New creates Handlers.
func New(d Deps) *Handlers {
	return &Handlers{
		log:      d.Log,
		server:   d.Server,
		sessions: d.Sessions,
		channels: d.Channels,
		bus:      d.Bus,
		queue:    d.Queue,
		metrics:  d.Metrics,
	}
}

// command adapts a handler method to dispatch.Handler.
type command struct {
	h    *Handlers
	name string

	// Whether the session must have completed registration.
	needAuth bool

	fn func(context.Context, *session.Session, irc.Message) error
}

func (c command) String() string {
	return c.name
}

func (c command) Handle(ctx context.Context, sessionID string,
	m irc.Message) error {
	sess, ok := c.h.sessions.Get(sessionID)
	if !ok {
		// Disconnected while the line was in flight.
		return nil
	}

	if c.needAuth && !sess.Authenticated() {
		// 451 ERR_NOTREGISTERED
		c.h.reply(sess, "451", "You have not registered.")
		return nil
	}

	return c.fn(ctx, sess, m)
}

// Register adds every client command to the registry. Dispatch uses it.
func (h *Handlers) Register(r *dispatch.Registry) {
	h.registry = r

	add := func(code string, needAuth bool,
		fn func(context.Context, *session.Session, irc.Message) error) {
		r.Register(dispatch.ClientPartition, code, command{
			h:        h,
			name:     code,
			needAuth: needAuth,
			fn:       fn,
		})
	}

	// Allowed before registration.
	add("CAP", false, h.capCommand)
	add("PASS", false, h.passCommand)
	add("NICK", false, h.nickCommand)
	add("USER", false, h.userCommand)
	add("PING", false, h.pingCommand)
	add("PONG", false, h.pongCommand)
	add("QUIT", false, h.quitCommand)

	add("JOIN", true, h.joinCommand)
	add("PART", true, h.partCommand)
	add("PRIVMSG", true, h.privmsgCommand)
	add("NOTICE", true, h.privmsgCommand)
	add("TOPIC", true, h.topicCommand)
	add("NAMES", true, h.namesCommand)
	add("LIST", true, h.listCommand)
	add("INVITE", true, h.inviteCommand)
	add("KICK", true, h.kickCommand)
	add("MODE", true, h.modeCommand)

	add("WHO", true, h.whoCommand)
	add("WHOIS", true, h.whoisCommand)
	add("LUSERS", true, h.lusersCommand)
	add("MOTD", true, h.motdCommand)
	add("AWAY", true, h.awayCommand)

	add("OPER", true, h.operCommand)
	add("WALLOPS", true, h.wallopsCommand)
	add("DIE", true, h.dieCommand)
	add("REHASH", true, h.rehashCommand)
	add("STATS", true, h.statsCommand)
}

// Subscribe adds the event listeners to the bus.
func (h *Handlers) Subscribe(b *eventbus.Bus) {
	eventbus.Subscribe(b, "connect-notice", h.onUserAuthenticated)
	eventbus.Subscribe(b, "oper-notice", h.onOperatorLoggedIn)
	eventbus.Subscribe(b, "channel-notice", h.onChannelCreated)
}

// SessionKey is the process queue key that serializes work for a session.
func SessionKey(sessionID string) string {
	return "session:" + sessionID
}

// Dispatch runs a message from a client on its session's process queue and
// waits for it. A connection's commands, and everything they send the
// connection and others, happen one at a time in the order it sent them.
//
// Only the connection's reader may call this. It reports whether any
// handler knows the command.
func (h *Handlers) Dispatch(ctx context.Context, sessionID string,
	m irc.Message) (bool, error) {
	var known bool
	f := h.queue.Go(ctx, SessionKey(sessionID), func(ctx context.Context) error {
		known = h.registry.Dispatch(ctx, dispatch.ClientPartition, sessionID, m)
		return nil
	})

	if _, err := f.Wait(ctx); err != nil {
		return false, errors.Wrapf(err, "%s from session %s", m.Command,
			sessionID)
	}
	return known, nil
}

func (h *Handlers) publish(ctx context.Context, ev events.Event) {
	if err := h.bus.Publish(ctx, ev); err != nil {
		h.log.Warnf("unable to publish %s: %s", ev.Kind(), err)
	}
}

func (h *Handlers) serverName() string {
	return h.server.Config().ServerName
}

// reply sends a message from the server. Numerics get the session's nick as
// their first parameter, or * before it has one.
func (h *Handlers) reply(sess *session.Session, command string,
	params ...string) {
	if isNumericCommand(command) {
		params = append([]string{sess.DisplayNick()}, params...)
	}

	sess.Send(irc.Message{
		Prefix:  h.serverName(),
		Command: command,
		Params:  params,
	})
}

func (h *Handlers) serverNotice(sess *session.Session, s string) {
	h.reply(sess, "NOTICE", sess.DisplayNick(),
		fmt.Sprintf("*** Notice --- %s", s))
}

// noticeOpers sends a server notice to every operator.
func (h *Handlers) noticeOpers(s string) {
	for _, oper := range h.sessions.Query(func(sess *session.Session) bool {
		return sess.Operator()
	}) {
		h.serverNotice(oper, s)
	}
}

// sendToIDs sends m to each session. Sessions that are gone are skipped.
func (h *Handlers) sendToIDs(ids []string, m irc.Message) {
	for _, id := range ids {
		if sess, ok := h.sessions.Get(id); ok {
			sess.Send(m)
		}
	}
}

// channelError sends the one numeric for a channel state conflict. nick is
// the target of the operation, if it has one.
//
// Errors that are not state conflicts are returned.
func (h *Handlers) channelError(sess *session.Session, err error, name,
	nick string) error {
	h.log.Tracef("%s: %s %s: %s", sess, name, nick, err)

	switch errors.Cause(err) {
	case channel.ErrNoSuchChannel:
		// 403 ERR_NOSUCHCHANNEL
		h.reply(sess, "403", name, "No such channel")
	case channel.ErrCannotSend:
		// 404 ERR_CANNOTSENDTOCHAN
		h.reply(sess, "404", name, "Cannot send to channel")
	case channel.ErrNotOnChannel:
		// 442 ERR_NOTONCHANNEL
		h.reply(sess, "442", name, "You're not on that channel")
	case channel.ErrChanOpNeeded:
		// 482 ERR_CHANOPRIVSNEEDED
		h.reply(sess, "482", name, "You're not channel operator")
	case channel.ErrUserNotInChannel:
		// 441 ERR_USERNOTINCHANNEL
		h.reply(sess, "441", nick, name, "They aren't on that channel")
	case channel.ErrUserOnChannel:
		// 443 ERR_USERONCHANNEL
		h.reply(sess, "443", nick, name, "is already on channel")
	case channel.ErrBadKey:
		// 475 ERR_BADCHANNELKEY
		h.reply(sess, "475", name, "Cannot join channel (+k)")
	case channel.ErrChannelFull:
		// 471 ERR_CHANNELISFULL
		h.reply(sess, "471", name, "Cannot join channel (+l)")
	case channel.ErrInviteOnly:
		// 473 ERR_INVITEONLYCHAN
		h.reply(sess, "473", name, "Cannot join channel (+i)")
	case channel.ErrBanned:
		// 474 ERR_BANNEDFROMCHAN
		h.reply(sess, "474", name, "Cannot join channel (+b)")
	case channel.ErrSessionClosed:
		// It is disconnecting. There is nobody to tell.
	default:
		return err
	}

	return nil
}

func (h *Handlers) needMoreParams(sess *session.Session, command string) {
	// 461 ERR_NEEDMOREPARAMS
	h.reply(sess, "461", command, "Not enough parameters")
}

func (h *Handlers) noPrivileges(sess *session.Session) {
	// 481 ERR_NOPRIVILEGES
	h.reply(sess, "481", "Permission Denied- You're not an IRC operator")
}

func (h *Handlers) capCommand(ctx context.Context, sess *session.Session,
	m irc.Message) error {
	// Non-RFC command that appears to be widely supported. Just ignore it for
	// now.
	return nil
}

func (h *Handlers) pingCommand(ctx context.Context, sess *session.Session,
	m irc.Message) error {
	// Parameters: <server> (I choose to not support forwarding)
	if len(m.Params) == 0 {
		// 409 ERR_NOORIGIN
		h.reply(sess, "409", "No origin specified")
		return nil
	}

	// Some clients send arbitrary tokens. Reply as if they asked about us.
	h.reply(sess, "PONG", h.serverName())
	return nil
}

func (h *Handlers) pongCommand(ctx context.Context, sess *session.Session,
	m irc.Message) error {
	sess.PongReceived(time.Now())
	return nil
}

func (h *Handlers) quitCommand(ctx context.Context, sess *session.Session,
	m irc.Message) error {
	msg := "Quit:"
	if len(m.Params) > 0 {
		msg += " " + m.Params[0]
	}

	h.server.Disconnect(sess.ID(), msg)
	return nil
}
