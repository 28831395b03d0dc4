package handlers

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/horgh/catbox/internal/events"
	"github.com/horgh/catbox/internal/session"
	"github.com/horgh/irc"
	"github.com/pkg/errors"
)

func (h *Handlers) passCommand(ctx context.Context, sess *session.Session,
	m irc.Message) error {
	if sess.Authenticated() {
		// 462 ERR_ALREADYREGISTRED
		h.reply(sess, "462", "Unauthorized command (already registered)")
		return nil
	}

	if len(m.Params) == 0 {
		h.needMoreParams(sess, "PASS")
		return nil
	}

	want := h.server.Config().ServerPassword
	if want == "" {
		// Nothing to check against.
		sess.SetPasswordValid()
		h.gate(ctx, sess)
		return nil
	}

	if subtle.ConstantTimeCompare([]byte(m.Params[0]), []byte(want)) != 1 {
		// 464 ERR_PASSWDMISMATCH
		h.reply(sess, "464", "Password incorrect")
		h.server.Disconnect(sess.ID(), "Bad password")
		return nil
	}

	sess.SetPasswordValid()
	h.gate(ctx, sess)
	return nil
}

// The NICK command happens both at registration time and after.
func (h *Handlers) nickCommand(ctx context.Context, sess *session.Session,
	m irc.Message) error {
	// We should have one parameter: The nick they want.
	if len(m.Params) == 0 || m.Params[0] == "" {
		// 431 ERR_NONICKNAMEGIVEN
		h.reply(sess, "431", "No nickname given")
		return nil
	}
	nick := m.Params[0]

	maxLen := h.server.Config().MaxNickLength
	if len(nick) > maxLen {
		nick = nick[0:maxLen]
	}

	if !isValidNick(maxLen, session.CanonicalizeNick(nick)) {
		// 432 ERR_ERRONEUSNICKNAME
		h.reply(sess, "432", nick, "Erroneous nickname")
		return nil
	}

	// Identical nick. Nothing to do. A change in case is a change.
	if nick == sess.Nick() {
		return nil
	}

	wasAuthenticated := sess.Authenticated()
	userHost := sess.UserHost()

	old, err := h.sessions.ClaimNick(sess, nick)
	if err != nil {
		if errors.Cause(err) != session.ErrNickInUse {
			return errors.Wrap(err, "unable to claim nick")
		}
		h.log.Tracef("%s: nick %s: %s", sess, nick, err)

		to := session.PlaceholderNick
		if wasAuthenticated {
			to = sess.DisplayNick()
		}
		// 433 ERR_NICKNAMEINUSE
		sess.Send(irc.Message{
			Prefix:  h.serverName(),
			Command: "433",
			Params:  []string{to, nick, "Nickname is already in use"},
		})
		return nil
	}

	if !wasAuthenticated {
		// We don't reply during registration.
		h.gate(ctx, sess)
		return nil
	}

	// Channel member records carry the nick. Update them before anyone can
	// look it up again.
	h.channels.RenameMember(sess, nick)

	// Tell the session and everyone sharing a channel with it, each once.
	// This happens before the connection's next command runs, so a series of
	// renames reaches everyone in order.
	change := irc.Message{
		Prefix:  old + "!" + userHost,
		Command: "NICK",
		Params:  []string{nick},
	}
	sess.Send(change)
	h.sendToIDs(h.channels.Neighbors(sess), change)

	h.publish(ctx, events.NickChanged{
		SessionID: sess.ID(),
		OldNick:   old,
		NewNick:   nick,
		UserHost:  userHost,
	})
	return nil
}

func (h *Handlers) userCommand(ctx context.Context, sess *session.Session,
	m irc.Message) error {
	if sess.Authenticated() {
		// 462 ERR_ALREADYREGISTRED
		h.reply(sess, "462", "Unauthorized command (already registered)")
		return nil
	}

	// 4 parameters: <user> <mode> <unused> <realname>
	if len(m.Params) < 4 {
		h.needMoreParams(sess, m.Command)
		return nil
	}

	maxLen := h.server.Config().MaxNickLength

	user := m.Params[0]
	if len(user) > maxLen {
		user = user[0:maxLen]
	}

	if !isValidUser(maxLen, user) {
		// There isn't an appropriate response in the RFC. ircd-ratbox sends an
		// ERROR message. Do that.
		h.reply(sess, "ERROR", "Invalid username")
		return nil
	}

	if !isValidRealName(m.Params[3]) {
		h.reply(sess, "ERROR", "Invalid realname")
		return nil
	}

	sess.SetUser(user, m.Params[3])

	h.gate(ctx, sess)
	return nil
}

// gate completes registration if the session has everything it needs. Only
// the call that completes it sends the welcome and publishes
// UserAuthenticated.
//
// The welcome goes out before the connection's next command runs, so the
// client sees 001 before any reply to what it sent after registering.
func (h *Handlers) gate(ctx context.Context, sess *session.Session) {
	requirePassword := h.server.Config().ServerPassword != ""
	if !sess.MarkAuthenticated(requirePassword) {
		return
	}

	h.log.Debugf("%s: registered", sess)

	if sess.SetRegistered() {
		h.welcome(sess)
	}

	h.publish(ctx, events.UserAuthenticated{
		SessionID: sess.ID(),
		Nick:      sess.Nick(),
	})
}

// onUserAuthenticated tells operators about the new client.
func (h *Handlers) onUserAuthenticated(ctx context.Context,
	ev events.UserAuthenticated) error {
	sess, ok := h.sessions.Get(ev.SessionID)
	if !ok {
		return nil
	}

	d := sess.Details()
	h.noticeOpers(fmt.Sprintf("CLICONN %s %s %s %s %s (%s)", d.Nick,
		d.Username, d.Hostname, d.IP, d.RealName, h.serverName()))
	return nil
}

func (h *Handlers) welcome(sess *session.Session) {
	cfg := h.server.Config()

	// 001 RPL_WELCOME
	h.reply(sess, "001", fmt.Sprintf(
		"Welcome to the Internet Relay Network %s", sess.NickUhost()))

	// 002 RPL_YOURHOST
	h.reply(sess, "002", fmt.Sprintf("Your host is %s, running version %s",
		cfg.ServerName, cfg.Version))

	// 003 RPL_CREATED
	h.reply(sess, "003", fmt.Sprintf("This server was created %s",
		cfg.CreatedDate))

	// 004 RPL_MYINFO
	// <servername> <version> <available user modes> <available channel modes>
	h.reply(sess, "004", cfg.ServerName, cfg.Version, "io", "biklmnotv")

	h.lusers(sess)
	h.motd(sess)

	sess.SetInvisible(true)
	sess.Send(irc.Message{
		Prefix:  sess.NickUhost(),
		Command: "MODE",
		Params:  []string{sess.DisplayNick(), "+i"},
	})
}

func (h *Handlers) onOperatorLoggedIn(ctx context.Context,
	ev events.OperatorLoggedIn) error {
	for _, oper := range h.sessions.Query(func(sess *session.Session) bool {
		return sess.Operator() && sess.ID() != ev.SessionID
	}) {
		h.serverNotice(oper, fmt.Sprintf("%s is now an operator (%s)", ev.Nick,
			ev.Name))
	}
	return nil
}

func (h *Handlers) onChannelCreated(ctx context.Context,
	ev events.ChannelCreated) error {
	h.noticeOpers(fmt.Sprintf("CHANCREATE %s %s", ev.Channel, ev.Founder))
	return nil
}
