package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/horgh/catbox/internal/mask"
	"github.com/horgh/catbox/internal/session"
	"github.com/horgh/irc"
)

func (h *Handlers) whoCommand(ctx context.Context, sess *session.Session,
	m irc.Message) error {
	// Parameters: <#channel> or <nick mask>
	if len(m.Params) < 1 {
		h.needMoreParams(sess, m.Command)
		return nil
	}
	target := m.Params[0]

	if strings.HasPrefix(target, "#") {
		display, members, ok := h.channels.Members(target)
		if !ok {
			// 403 ERR_NOSUCHCHANNEL. Used to indicate channel name is invalid.
			h.reply(sess, "403", target, "Invalid channel name")
			return nil
		}

		onChannel := false
		for _, member := range members {
			if member.SessionID == sess.ID() {
				onChannel = true
				break
			}
		}
		// Only works if they are on the channel.
		if !onChannel {
			// 442 ERR_NOTONCHANNEL
			h.reply(sess, "442", display, "You're not on that channel")
			return nil
		}

		for _, member := range members {
			memberSess, ok := h.sessions.Get(member.SessionID)
			if !ok {
				continue
			}
			h.whoReply(sess, memberSess, display, member.Prefix())
		}

		// 315 RPL_ENDOFWHO
		h.reply(sess, "315", display, "End of WHO list")
		return nil
	}

	// Invisible users show up only to themselves.
	for _, match := range h.sessions.Query(func(s *session.Session) bool {
		if !s.Authenticated() || !mask.Match(target, s.Nick()) {
			return false
		}
		return s == sess || !s.Invisible()
	}) {
		h.whoReply(sess, match, "*", "")
	}

	// 315 RPL_ENDOFWHO
	h.reply(sess, "315", target, "End of WHO list")
	return nil
}

func (h *Handlers) whoReply(to, about *session.Session, channelName,
	prefix string) {
	d := about.Details()

	// H is here, G is gone (away). * marks an operator.
	mode := "H"
	if d.Away {
		mode = "G"
	}
	if d.Operator {
		mode += "*"
	}
	mode += prefix

	// 352 RPL_WHOREPLY
	// "<channel> <user> <host> <server> <nick>
	// ( "H" / "G" > ["*"] [ ( "@" / "+" ) ]
	// :<hopcount> <real name>"
	h.reply(to, "352", channelName, "~"+d.Username, d.Hostname,
		h.serverName(), d.Nick, mode, "0 "+d.RealName)
}

func (h *Handlers) whoisCommand(ctx context.Context, sess *session.Session,
	m irc.Message) error {
	// Only a single nickname (no mask), and no server target.
	if len(m.Params) == 0 {
		// 431 ERR_NONICKNAMEGIVEN
		h.reply(sess, "431", "No nickname given")
		return nil
	}
	nick := m.Params[0]

	target, ok := h.sessions.GetByNick(nick)
	if !ok || !target.Authenticated() {
		// 401 ERR_NOSUCHNICK
		h.reply(sess, "401", nick, "No such nick/channel")
		return nil
	}
	d := target.Details()
	cfg := h.server.Config()

	// 311 RPL_WHOISUSER
	h.reply(sess, "311", d.Nick, "~"+d.Username, d.Hostname, "*", d.RealName)

	var channels []string
	for _, canon := range d.Channels {
		display, members, ok := h.channels.Members(canon)
		if !ok {
			continue
		}
		for _, member := range members {
			if member.SessionID == d.ID {
				channels = append(channels, member.Prefix()+display)
				break
			}
		}
	}
	if len(channels) > 0 {
		// 319 RPL_WHOISCHANNELS
		h.reply(sess, "319", d.Nick, strings.Join(channels, " "))
	}

	// 312 RPL_WHOISSERVER
	h.reply(sess, "312", d.Nick, cfg.ServerName, cfg.ServerInfo)

	if d.Operator {
		// 313 RPL_WHOISOPERATOR
		h.reply(sess, "313", d.Nick, "is an IRC operator")
	}

	if d.Away {
		// 301 RPL_AWAY
		h.reply(sess, "301", d.Nick, d.AwayMessage)
	}

	// 318 RPL_ENDOFWHOIS
	h.reply(sess, "318", d.Nick, "End of WHOIS list")
	return nil
}

func (h *Handlers) lusersCommand(ctx context.Context, sess *session.Session,
	m irc.Message) error {
	h.lusers(sess)
	return nil
}

func (h *Handlers) lusers(sess *session.Session) {
	// We always send RPL_LUSERCLIENT and RPL_LUSERME.
	// The others only need be sent if the counts are non-zero.
	total, authenticated, invisible, operators := h.sessions.Counts()

	// 251 RPL_LUSERCLIENT
	h.reply(sess, "251", fmt.Sprintf(
		"There are %d users and %d invisible on 1 servers",
		authenticated-invisible, invisible))

	if operators > 0 {
		// 252 RPL_LUSEROP
		h.reply(sess, "252", fmt.Sprintf("%d", operators), "operator(s) online")
	}

	// Unregistered connections.
	if unknown := total - authenticated; unknown > 0 {
		// 253 RPL_LUSERUNKNOWN
		h.reply(sess, "253", fmt.Sprintf("%d", unknown),
			"unknown connection(s)")
	}

	if channels := h.channels.Store().Len(); channels > 0 {
		// 254 RPL_LUSERCHANNELS
		h.reply(sess, "254", fmt.Sprintf("%d", channels), "channels formed")
	}

	// 255 RPL_LUSERME
	h.reply(sess, "255", fmt.Sprintf("I have %d clients and 0 servers",
		authenticated))
}

func (h *Handlers) motdCommand(ctx context.Context, sess *session.Session,
	m irc.Message) error {
	h.motd(sess)
	return nil
}

func (h *Handlers) motd(sess *session.Session) {
	cfg := h.server.Config()

	// 375 RPL_MOTDSTART
	h.reply(sess, "375", fmt.Sprintf("- %s Message of the day - ",
		cfg.ServerName))

	// 372 RPL_MOTD
	h.reply(sess, "372", fmt.Sprintf("- %s", cfg.MOTD))

	// 376 RPL_ENDOFMOTD
	h.reply(sess, "376", "End of MOTD command")
}

func (h *Handlers) awayCommand(ctx context.Context, sess *session.Session,
	m irc.Message) error {
	// Parameters: [ <text> ]
	if len(m.Params) == 0 || m.Params[0] == "" {
		sess.SetAway("")
		// 305 RPL_UNAWAY
		h.reply(sess, "305", "You are no longer marked as being away")
		return nil
	}

	msg := m.Params[0]
	if len(msg) > maxAwayLength {
		msg = msg[:maxAwayLength]
	}

	sess.SetAway(msg)
	// 306 RPL_NOWAWAY
	h.reply(sess, "306", "You have been marked as being away")
	return nil
}
