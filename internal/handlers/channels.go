package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/horgh/catbox/internal/channel"
	"github.com/horgh/catbox/internal/session"
	"github.com/horgh/irc"
)

func (h *Handlers) joinCommand(ctx context.Context, sess *session.Session,
	m irc.Message) error {
	// Parameters: ( <channel> *( "," <channel> ) [ <key> *( "," <key> ) ] ) / "0"
	if len(m.Params) == 0 {
		h.needMoreParams(sess, m.Command)
		return nil
	}

	// JOIN 0 parts every channel.
	if m.Params[0] == "0" {
		for _, name := range sess.Channels() {
			if err := h.channels.PartChannel(sess, name, sess.DisplayNick()); err != nil {
				if err := h.channelError(sess, err, name, ""); err != nil {
					return err
				}
			}
		}
		return nil
	}

	var keys []string
	if len(m.Params) > 1 {
		keys = strings.Split(m.Params[1], ",")
	}

	for i, name := range strings.Split(m.Params[0], ",") {
		if name == "" {
			continue
		}

		key := ""
		if i < len(keys) {
			key = keys[i]
		}

		res, err := h.channels.JoinChannel(ctx, sess, name, key)
		if err != nil {
			if err := h.channelError(sess, err, name, ""); err != nil {
				return err
			}
			continue
		}

		for _, msg := range res.ToJoiner {
			sess.Send(msg)
		}

		for nick, msgs := range res.ToMembers {
			member, ok := h.sessions.GetByNick(nick)
			if !ok {
				continue
			}
			for _, msg := range msgs {
				member.Send(msg)
			}
		}
	}

	return nil
}

func (h *Handlers) partCommand(ctx context.Context, sess *session.Session,
	m irc.Message) error {
	// Parameters: <channel> *( "," <channel> ) [ <Part Message> ]
	if len(m.Params) == 0 {
		h.needMoreParams(sess, m.Command)
		return nil
	}

	// Default part message is the nick.
	msg := sess.DisplayNick()
	if len(m.Params) > 1 && m.Params[1] != "" {
		msg = m.Params[1]
	}

	for _, name := range strings.Split(m.Params[0], ",") {
		if name == "" {
			continue
		}
		if err := h.channels.PartChannel(sess, name, msg); err != nil {
			if err := h.channelError(sess, err, name, ""); err != nil {
				return err
			}
		}
	}

	return nil
}

// PRIVMSG and NOTICE are near identical. Only PRIVMSG gets away replies.
func (h *Handlers) privmsgCommand(ctx context.Context, sess *session.Session,
	m irc.Message) error {
	// Parameters: <msgtarget> <text to be sent>
	if len(m.Params) == 0 {
		// 411 ERR_NORECIPIENT
		h.reply(sess, "411", fmt.Sprintf("No recipient given (%s)", m.Command))
		return nil
	}

	if len(m.Params) == 1 || len(m.Params[1]) == 0 {
		// 412 ERR_NOTEXTTOSEND
		h.reply(sess, "412", "No text to send")
		return nil
	}

	target := m.Params[0]
	msg := truncateText(sess.NickUhost(), m.Command, target, m.Params[1])

	if strings.HasPrefix(target, "#") {
		err := h.channels.SendMessageToChannel(sess, m.Command, target, msg)
		if err != nil {
			return h.channelError(sess, err, target, "")
		}
		return nil
	}

	targetSess, ok := h.sessions.GetByNick(target)
	if !ok || !targetSess.Authenticated() {
		// 401 ERR_NOSUCHNICK
		h.reply(sess, "401", target, "No such nick/channel")
		return nil
	}

	targetSess.Send(irc.Message{
		Prefix:  sess.NickUhost(),
		Command: m.Command,
		Params:  []string{targetSess.DisplayNick(), msg},
	})

	if m.Command == "PRIVMSG" {
		if awayMsg, away := targetSess.Away(); away {
			// 301 RPL_AWAY
			h.reply(sess, "301", targetSess.DisplayNick(), awayMsg)
		}
	}

	return nil
}

// truncateText shortens text so the relayed message fits in one line.
func truncateText(source, command, target, text string) string {
	msgLen := len(":") + len(source) + len(" ") + len(command) + len(" ") +
		len(target) + len(" ") + len(":") + len(text) + len("\r\n")
	if msgLen > irc.MaxLineLength {
		trim := msgLen - irc.MaxLineLength
		if trim >= len(text) {
			return ""
		}
		text = text[:len(text)-trim]
	}
	return text
}

func (h *Handlers) topicCommand(ctx context.Context, sess *session.Session,
	m irc.Message) error {
	// Params: <channel> [ <topic> ]
	if len(m.Params) == 0 {
		h.needMoreParams(sess, m.Command)
		return nil
	}
	name := m.Params[0]

	// If there is no new topic, then just send back the current one.
	if len(m.Params) < 2 {
		msgs, err := h.channels.Topic(sess, name)
		if err != nil {
			return h.channelError(sess, err, name, "")
		}
		for _, msg := range msgs {
			sess.Send(msg)
		}
		return nil
	}

	if err := h.channels.SetTopic(sess, name, m.Params[1]); err != nil {
		return h.channelError(sess, err, name, "")
	}
	return nil
}

func (h *Handlers) namesCommand(ctx context.Context, sess *session.Session,
	m irc.Message) error {
	// Parameters: [ <channel> *( "," <channel> ) ]
	// Listing every channel is not supported.
	if len(m.Params) == 0 || m.Params[0] == "" {
		// 366 RPL_ENDOFNAMES
		h.reply(sess, "366", "*", "End of NAMES list")
		return nil
	}

	for _, name := range strings.Split(m.Params[0], ",") {
		if name == "" {
			continue
		}
		for _, msg := range h.channels.Names(sess, name) {
			sess.Send(msg)
		}
	}
	return nil
}

func (h *Handlers) listCommand(ctx context.Context, sess *session.Session,
	m irc.Message) error {
	// Parameters: [ <channel> *( "," <channel> ) ]
	var only map[string]struct{}
	if len(m.Params) > 0 && m.Params[0] != "" {
		only = make(map[string]struct{})
		for _, name := range strings.Split(m.Params[0], ",") {
			only[channel.Canonicalize(name)] = struct{}{}
		}
	}

	// 321 RPL_LISTSTART
	h.reply(sess, "321", "Channel", "Users  Name")

	for _, entry := range h.channels.List() {
		if only != nil {
			if _, ok := only[channel.Canonicalize(entry.Name)]; !ok {
				continue
			}
		}
		// 322 RPL_LIST
		h.reply(sess, "322", entry.Name, fmt.Sprintf("%d", entry.Members),
			entry.Topic)
	}

	// 323 RPL_LISTEND
	h.reply(sess, "323", "End of LIST")
	return nil
}

func (h *Handlers) inviteCommand(ctx context.Context, sess *session.Session,
	m irc.Message) error {
	// Parameters: <nickname> <channel>
	if len(m.Params) < 2 {
		h.needMoreParams(sess, m.Command)
		return nil
	}
	nick, name := m.Params[0], m.Params[1]

	target, ok := h.sessions.GetByNick(nick)
	if !ok || !target.Authenticated() {
		// 401 ERR_NOSUCHNICK
		h.reply(sess, "401", nick, "No such nick/channel")
		return nil
	}

	if err := h.channels.Invite(sess, target, name); err != nil {
		return h.channelError(sess, err, name, target.DisplayNick())
	}

	// 341 RPL_INVITING
	h.reply(sess, "341", target.DisplayNick(), name)

	if awayMsg, away := target.Away(); away {
		// 301 RPL_AWAY
		h.reply(sess, "301", target.DisplayNick(), awayMsg)
	}
	return nil
}

func (h *Handlers) kickCommand(ctx context.Context, sess *session.Session,
	m irc.Message) error {
	// Parameters: <channel> <user> [<comment>]
	if len(m.Params) < 2 {
		h.needMoreParams(sess, m.Command)
		return nil
	}
	name, nick := m.Params[0], m.Params[1]

	reason := ""
	if len(m.Params) > 2 {
		reason = m.Params[2]
	}

	if err := h.channels.Kick(sess, name, nick, reason); err != nil {
		return h.channelError(sess, err, name, nick)
	}
	return nil
}

// MODE command applies either to nicknames or to channels.
func (h *Handlers) modeCommand(ctx context.Context, sess *session.Session,
	m irc.Message) error {
	// User mode:
	// Parameters: <nickname> *( ( "+" / "-" ) *( "i" / "o" ) )

	// Channel mode:
	// Parameters: <channel> *( ( "-" / "+" ) *<modes> *<modeparams> )
	if len(m.Params) < 1 {
		h.needMoreParams(sess, m.Command)
		return nil
	}

	target := m.Params[0]

	// We can have blank mode. This will cause server to send current settings.
	modes := ""
	if len(m.Params) > 1 {
		modes = m.Params[1]
	}

	if strings.HasPrefix(target, "#") {
		var args []string
		if len(m.Params) > 2 {
			args = m.Params[2:]
		}

		res, err := h.channels.ApplyModes(sess, target, modes, args)
		if err != nil {
			return h.channelError(sess, err, target, "")
		}
		for _, msg := range res.Replies {
			sess.Send(msg)
		}
		return nil
	}

	targetSess, ok := h.sessions.GetByNick(target)
	if !ok || !targetSess.Authenticated() {
		// 401 ERR_NOSUCHNICK
		h.reply(sess, "401", target, "No such nick/channel")
		return nil
	}

	h.userMode(sess, targetSess, modes)
	return nil
}

// Modes we support:
// +i/-i (invisible)
// -o (operator). +o comes only from OPER.
func (h *Handlers) userMode(sess, target *session.Session, modes string) {
	// They can only change their own mode.
	if target != sess {
		// 502 ERR_USERSDONTMATCH
		h.reply(sess, "502", "Cannot change mode for other users")
		return
	}

	// No modes given means we should send back their current mode.
	if len(modes) == 0 {
		// 221 RPL_UMODEIS
		h.reply(sess, "221", userModeString(sess))
		return
	}

	set := true
	unknown := false
	var b strings.Builder
	var sign byte
	add := func(on bool, mode byte) {
		s := byte('-')
		if on {
			s = '+'
		}
		if s != sign {
			b.WriteByte(s)
			sign = s
		}
		b.WriteByte(mode)
	}

	for i := 0; i < len(modes); i++ {
		switch modes[i] {
		case '+':
			set = true
		case '-':
			set = false
		case 'i':
			if sess.Invisible() != set {
				sess.SetInvisible(set)
				add(set, 'i')
			}
		case 'o':
			if !set && sess.Operator() {
				sess.SetOperator(false)
				add(false, 'o')
			}
		default:
			unknown = true
		}
	}

	// We only inform the user if there was a change.
	if b.Len() > 0 {
		sess.Send(irc.Message{
			Prefix:  sess.NickUhost(),
			Command: "MODE",
			Params:  []string{sess.DisplayNick(), b.String()},
		})
	}

	if unknown {
		// 501 ERR_UMODEUNKNOWNFLAG
		h.reply(sess, "501", "Unknown MODE flag")
	}
}

func userModeString(sess *session.Session) string {
	s := "+"
	if sess.Invisible() {
		s += "i"
	}
	if sess.Operator() {
		s += "o"
	}
	return s
}
