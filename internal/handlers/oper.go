package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/horgh/catbox/internal/events"
	"github.com/horgh/catbox/internal/session"
	"github.com/horgh/irc"
)

func (h *Handlers) operCommand(ctx context.Context, sess *session.Session,
	m irc.Message) error {
	// Parameters: <name> <password>
	if len(m.Params) < 2 {
		h.needMoreParams(sess, "OPER")
		return nil
	}

	if sess.Operator() {
		// 381 RPL_YOUREOPER
		h.reply(sess, "381", "You are already an IRC operator")
		return nil
	}

	o, ok := h.server.Config().Authenticate(m.Params[0], m.Params[1],
		sess.UserHost())
	if !ok {
		h.log.Infof("%s: failed OPER as %s", sess, m.Params[0])
		// 464 ERR_PASSWDMISMATCH
		h.reply(sess, "464", "Password incorrect")
		return nil
	}

	sess.SetOperator(true)

	// From themselves to themselves.
	sess.Send(irc.Message{
		Prefix:  sess.NickUhost(),
		Command: "MODE",
		Params:  []string{sess.DisplayNick(), "+o"},
	})

	// 381 RPL_YOUREOPER
	h.reply(sess, "381", "You are now an IRC operator")

	h.publish(ctx, events.OperatorLoggedIn{
		SessionID: sess.ID(),
		Nick:      sess.Nick(),
		Name:      o.Name,
	})
	return nil
}

// WALLOPS sends the text to every operator.
func (h *Handlers) wallopsCommand(ctx context.Context, sess *session.Session,
	m irc.Message) error {
	// Params: <text>
	if len(m.Params) == 0 || m.Params[0] == "" {
		h.needMoreParams(sess, "WALLOPS")
		return nil
	}

	if !sess.Operator() {
		h.noPrivileges(sess)
		return nil
	}

	msg := irc.Message{
		Prefix:  sess.NickUhost(),
		Command: "WALLOPS",
		Params:  []string{m.Params[0]},
	}
	for _, oper := range h.sessions.Query(func(s *session.Session) bool {
		return s.Operator()
	}) {
		oper.Send(msg)
	}
	return nil
}

func (h *Handlers) dieCommand(ctx context.Context, sess *session.Session,
	m irc.Message) error {
	if !sess.Operator() {
		h.noPrivileges(sess)
		return nil
	}

	h.log.Infof("%s: DIE", sess)

	// DIE is not an RFC command. It shuts down the server.
	h.server.Shutdown(fmt.Sprintf("Server shutting down by %s",
		sess.DisplayNick()))
	return nil
}

// Reload config. No parameters.
func (h *Handlers) rehashCommand(ctx context.Context, sess *session.Session,
	m irc.Message) error {
	if !sess.Operator() {
		h.noPrivileges(sess)
		return nil
	}

	file, err := h.server.Rehash()
	if err != nil {
		h.noticeOpers(fmt.Sprintf("Rehash: Configuration problem: %s", err))
		return nil
	}

	// 382 RPL_REHASHING
	h.reply(sess, "382", file, "Rehashing")

	h.noticeOpers(fmt.Sprintf("%s rehashed configuration.",
		sess.DisplayNick()))
	return nil
}

// Queries:
// q - Process queue statistics
// m - Server counters
func (h *Handlers) statsCommand(ctx context.Context, sess *session.Session,
	m irc.Message) error {
	if len(m.Params) == 0 {
		h.needMoreParams(sess, "STATS")
		return nil
	}

	query := strings.ToLower(m.Params[0])
	if query != "q" && query != "m" {
		// Nothing to report. 219 RPL_ENDOFSTATS
		h.reply(sess, "219", query, "End of /STATS report")
		return nil
	}

	if !sess.Operator() {
		h.noPrivileges(sess)
		return nil
	}

	switch query {
	case "q":
		stats, sampledAt := h.metrics.QueueStats()
		if sampledAt.IsZero() {
			stats = h.queue.Stats()
		}
		for _, st := range stats {
			// 249 RPL_STATSDEBUG
			h.reply(sess, "249", "q", fmt.Sprintf(
				"%s queued %d processed %d failed %d pending %d latency %s",
				st.Key, st.Queued, st.Processed, st.Failed, st.Pending,
				st.AvgLatency))
		}
	case "m":
		for _, line := range h.metrics.Snapshot().Lines() {
			// 249 RPL_STATSDEBUG
			h.reply(sess, "249", "m", line)
		}
	}

	// 219 RPL_ENDOFSTATS
	h.reply(sess, "219", query, "End of /STATS report")
	return nil
}
