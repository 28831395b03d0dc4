package main

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/horgh/catbox/internal/handlers"
	"github.com/horgh/catbox/internal/session"
	"github.com/horgh/irc"
	"golang.org/x/time/rate"
)

// How many messages may wait to be written to a client.
const sendQueueLength = 32768

// LocalClient holds state about a local connection.
//
// The protocol state lives in its session. LocalClient moves lines between
// the socket and the command handlers.
type LocalClient struct {
	// Conn is the TCP connection to the client.
	Conn *Conn

	// Globally unique identifier. It is also the session's id.
	ID string

	// WriteChan is the channel to send to to write to the client.
	WriteChan chan irc.Message

	ConnectionStartTime time.Time

	Catbox *Catbox

	// Token bucket for the lines the client sends.
	limiter *rate.Limiter

	// Track if we overflow our send queue. If we do, we'll kill the client.
	sendQueueExceeded atomic.Bool

	// Closed when the client is quitting. The writer flushes what is queued
	// and closes the connection.
	done     chan struct{}
	quitOnce sync.Once
}

// NewLocalClient creates a LocalClient.
func NewLocalClient(cb *Catbox, id string, conn net.Conn) *LocalClient {
	cfg := cb.Config()

	return &LocalClient{
		Conn: NewConn(conn, cfg.DeadTime),
		ID:   id,

		// Buffered channel. We don't want to block sending to the client. The
		// client may be stuck. Make the buffer large enough that it should only
		// max out in case of connection issues.
		WriteChan: make(chan irc.Message, sendQueueLength),

		ConnectionStartTime: time.Now(),
		Catbox:              cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.FloodRate),
			cfg.FloodBurst),
		done: make(chan struct{}),
	}
}

func (c *LocalClient) String() string {
	return fmt.Sprintf("%s %s", c.ID, c.Conn.RemoteAddr())
}

// Send queues a message to the client. It implements session.Sender.
//
// This function won't block. If the client's queue is full, we flag it as
// having a full send queue and drop it.
//
// Not blocking is important because any goroutine may send the client
// messages this way, and if we block on a problem client, everything would
// grind to a halt.
func (c *LocalClient) Send(m irc.Message) {
	if c.sendQueueExceeded.Load() {
		return
	}

	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.WriteChan <- m:
		c.Catbox.metrics.MessageOut()
	default:
		if c.sendQueueExceeded.CompareAndSwap(false, true) {
			c.Catbox.metrics.SendQueueExceeded()
			// The sender may hold locks the disconnect needs.
			go c.Catbox.Disconnect(c.ID, "SendQ exceeded")
		}
	}
}

// readLoop endlessly reads from the client's TCP connection. It parses each
// IRC protocol message and dispatches it.
//
// Each command runs on the session's queue and the loop waits for it, so a
// client's commands and the replies they cause happen in the order it sent
// them.
func (c *LocalClient) readLoop(sess *session.Session) {
	defer c.Catbox.WG.Done()

	log := c.Catbox.log

	for {
		select {
		case <-c.done:
			c.cleanup(sess)
			return
		default:
		}

		buf, err := c.Conn.Read()
		if err != nil {
			log.Debugf("Client %s: %s", c, err)
			c.Catbox.Disconnect(c.ID, c.Catbox.errorToQuitMessage(err))
			c.cleanup(sess)
			return
		}

		if !c.limiter.Allow() {
			c.Catbox.metrics.Flooded()
			c.Catbox.Disconnect(c.ID, "Excess Flood")
			c.cleanup(sess)
			return
		}

		message, err := irc.ParseMessage(buf)
		if err != nil && err != irc.ErrTruncated {
			c.Catbox.metrics.ParseError()
			log.Debugf("Client %s: Invalid message: %q: %s", c, buf, err)
			// This silently ignores malformed messages.
			continue
		}

		c.Catbox.metrics.MessageIn()

		// Record that client said something to us just now.
		sess.Touch()

		log.Tracef("Client %s: Message: %s", c, message)

		// Clients SHOULD NOT (section 2.3) send a prefix. I'm going to disallow
		// it completely for all commands.
		if message.Prefix != "" {
			c.Send(irc.Message{
				Prefix:  c.Catbox.Config().ServerName,
				Command: "ERROR",
				Params:  []string{"Do not send a prefix"},
			})
			continue
		}

		known, err := c.Catbox.handlers.Dispatch(c.Catbox.ctx, c.ID, message)
		if err != nil {
			log.Debugf("Client %s: %s", c, err)
			continue
		}

		if !known {
			c.Catbox.metrics.UnknownCommand()
			// 421 ERR_UNKNOWNCOMMAND
			c.Send(irc.Message{
				Prefix:  c.Catbox.Config().ServerName,
				Command: "421",
				Params:  []string{sess.DisplayNick(), message.Command, "Unknown command"},
			})
		}
	}
}

// cleanup runs once the reader is done with the session. Only the reader
// puts work on the session's queue, so removing the queue here cannot race
// with anything recreating it.
func (c *LocalClient) cleanup(sess *session.Session) {
	<-c.Catbox.queue.Remove(handlers.SessionKey(c.ID))
	c.Catbox.sessions.Release(sess)
}

// writeLoop endlessly reads from the client's channel, encodes each message,
// and writes it to the client's TCP connection.
//
// When the client quits, or if we have a write error, close the TCP
// connection. We try to deliver what is queued before closing the socket
// and giving up.
func (c *LocalClient) writeLoop() {
	defer c.Catbox.WG.Done()

	log := c.Catbox.log

Loop:
	for {
		select {
		case message := <-c.WriteChan:
			if err := c.Conn.WriteMessage(message); err != nil {
				log.Debugf("Client %s: %s", c, err)
				c.Catbox.Disconnect(c.ID, c.Catbox.errorToQuitMessage(err))
				break Loop
			}
		case <-c.done:
			c.flush()
			break Loop
		}
	}

	if err := c.Conn.Close(); err != nil {
		log.Debugf("Client %s: Problem closing connection: %s", c, err)
	}

	log.Debugf("Client %s: Writer shutting down.", c)
}

// flush writes whatever is already queued.
func (c *LocalClient) flush() {
	for {
		select {
		case message := <-c.WriteChan:
			if err := c.Conn.WriteMessage(message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// quit means the client is quitting. Tell it why and stop its loops.
func (c *LocalClient) quit(msg string) {
	c.quitOnce.Do(func() {
		select {
		case c.WriteChan <- irc.Message{
			Prefix:  c.Catbox.Config().ServerName,
			Command: "ERROR",
			Params:  []string{msg},
		}:
		default:
		}

		close(c.done)
	})
}
