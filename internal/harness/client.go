// Package harness provides an IRC client for driving a server in tests.
package harness

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircreader"
	"github.com/horgh/irc"
	"github.com/pkg/errors"
)

// DefaultTimeout is how long Wait waits for a message.
const DefaultTimeout = 10 * time.Second

// Client is a client connection.
//
// The client responds to PING commands. Everything else the server sends is
// available through Wait.
type Client struct {
	nick string
	addr string

	// Logf receives each line sent and received, if set.
	Logf func(format string, args ...interface{})

	writeTimeout time.Duration

	conn    net.Conn
	reader  ircreader.Reader
	writeMu sync.Mutex

	recvChan chan irc.Message
	errChan  chan error
	doneChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	channels map[string]struct{}
	mutex    sync.Mutex
}

// NewClient creates a Client.
func NewClient(nick, addr string) *Client {
	return &Client{
		nick:         nick,
		addr:         addr,
		writeTimeout: 30 * time.Second,
		channels:     map[string]struct{}{},
	}
}

// Start connects and registers with NICK and USER.
//
// The caller must call Stop() to clean up the client.
func (c *Client) Start() error {
	if err := c.Connect(); err != nil {
		return err
	}

	if err := c.Send("NICK", c.nick); err != nil {
		c.Stop()
		return err
	}

	if err := c.Send("USER", c.nick, "0", "*", c.nick); err != nil {
		c.Stop()
		return err
	}

	return nil
}

// Connect opens a new connection to the server without registering.
//
// The caller must call Stop() to clean up the client.
func (c *Client) Connect() error {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	conn, err := dialer.Dial("tcp", c.addr)
	if err != nil {
		return errors.Wrap(err, "error dialing")
	}

	c.conn = conn
	c.reader.Initialize(conn, irc.MaxLineLength, 8192)

	c.recvChan = make(chan irc.Message, 512)
	c.errChan = make(chan error, 1)
	c.doneChan = make(chan struct{})

	c.wg.Add(1)
	go c.readLoop()

	return nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.recvChan)

	for {
		line, err := c.reader.ReadLine()
		if err != nil {
			select {
			case <-c.doneChan:
			default:
				c.errChan <- errors.Wrap(err, "error reading message")
			}
			return
		}

		buf := string(line) + "\r\n"
		c.logf("client %s: read: %s", c.nick, line)

		m, err := irc.ParseMessage(buf)
		if err != nil && err != irc.ErrTruncated {
			c.errChan <- errors.Wrapf(err, "unable to parse message: %q", buf)
			return
		}

		if m.Command == "PING" && len(m.Params) > 0 {
			if err := c.Send("PONG", m.Params[0]); err != nil {
				c.errChan <- errors.Wrap(err, "error sending pong")
				return
			}
		}

		if m.Command == "JOIN" && m.SourceNick() == c.nick && len(m.Params) > 0 {
			c.mutex.Lock()
			c.channels[m.Params[0]] = struct{}{}
			c.mutex.Unlock()
		}

		select {
		case c.recvChan <- m:
		case <-c.doneChan:
			return
		}
	}
}

// Send writes a message to the server.
func (c *Client) Send(command string, params ...string) error {
	return c.SendMessage(irc.Message{Command: command, Params: params})
}

// SendMessage writes an IRC message to the connection.
func (c *Client) SendMessage(m irc.Message) error {
	buf, err := m.Encode()
	if err != nil && err != irc.ErrTruncated {
		return errors.Wrap(err, "unable to encode message")
	}

	return c.SendRaw(buf)
}

// SendRaw writes buf as is. It is for sending lines the encoder would
// refuse.
func (c *Client) SendRaw(buf string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(
		c.writeTimeout)); err != nil {
		return errors.Wrap(err, "unable to set deadline")
	}

	sz, err := c.conn.Write([]byte(buf))
	if err != nil {
		return errors.Wrap(err, "error writing message")
	}

	if sz != len(buf) {
		return errors.New("short write")
	}

	c.logf("client %s: sent: %s", c.nick, strings.TrimRight(buf, "\r\n"))
	return nil
}

// Wait returns the next message with the given command, skipping others.
func (c *Client) Wait(command string) (irc.Message, error) {
	return c.WaitFor(func(m irc.Message) bool {
		return m.Command == command
	}, DefaultTimeout)
}

// WaitFor returns the next message match accepts, skipping others.
func (c *Client) WaitFor(match func(irc.Message) bool,
	timeout time.Duration) (irc.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return irc.Message{}, errors.New("timeout waiting for message")
		case m, ok := <-c.recvChan:
			if !ok {
				select {
				case err := <-c.errChan:
					return irc.Message{}, err
				default:
					return irc.Message{}, errors.New("connection closed")
				}
			}
			if match(m) {
				return m, nil
			}
		}
	}
}

// Collect gathers every message received until one with the command
// until arrives. The returned slice includes that message.
func (c *Client) Collect(until string) ([]irc.Message, error) {
	var got []irc.Message
	_, err := c.WaitFor(func(m irc.Message) bool {
		got = append(got, m)
		return m.Command == until
	}, DefaultTimeout)
	return got, err
}

// Stop shuts down the client and cleans up.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.doneChan)
		_ = c.conn.Close()
		c.wg.Wait()
	})
}

// GetNick retrieves the client's nick.
func (c *Client) GetNick() string { return c.nick }

// GetChannels retrieves the IRC channels the client is on.
func (c *Client) GetChannels() []string {
	var channels []string
	c.mutex.Lock()
	for k := range c.channels {
		channels = append(channels, k)
	}
	c.mutex.Unlock()
	return channels
}

func (c *Client) logf(format string, args ...interface{}) {
	if c.Logf != nil {
		c.Logf(format, args...)
	}
}
