package main

import (
	"net"
	"time"

	"github.com/ergochat/irc-go/ircreader"
	"github.com/horgh/irc"
	"github.com/pkg/errors"
)

// How much we buffer from a client before giving up on seeing a newline.
const maxReadQ = 8192

// Conn is a connection to a client.
type Conn struct {
	conn   net.Conn
	reader ircreader.Reader
	ioWait time.Duration
	IP     net.IP
}

// NewConn initializes a Conn.
func NewConn(conn net.Conn, ioWait time.Duration) *Conn {
	c := &Conn{
		conn:   conn,
		ioWait: ioWait,
	}

	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		c.IP = tcpAddr.IP
	} else if host, _, err := net.SplitHostPort(
		conn.RemoteAddr().String()); err == nil {
		c.IP = net.ParseIP(host)
	}

	c.reader.Initialize(conn, irc.MaxLineLength, maxReadQ)
	return c
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Read reads a line from the connection. The line ends with \r\n.
func (c *Conn) Read() (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.ioWait)); err != nil {
		return "", errors.Wrap(err, "error setting read deadline")
	}

	line, err := c.reader.ReadLine()
	if err != nil {
		return "", errors.Wrap(err, "error reading")
	}

	// line aliases the reader's buffer. The conversion copies it.
	return string(line) + "\r\n", nil
}

// WriteMessage encodes and writes a message to the connection.
//
// Messages too long for the protocol are truncated and sent anyway.
func (c *Conn) WriteMessage(m irc.Message) error {
	buf, err := m.Encode()
	if err != nil && err != irc.ErrTruncated {
		return errors.Wrapf(err, "unable to encode message: %s", m)
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.ioWait)); err != nil {
		return errors.Wrap(err, "error setting write deadline")
	}

	sz, err := c.conn.Write([]byte(buf))
	if err != nil {
		return errors.Wrap(err, "error writing")
	}

	if sz != len(buf) {
		return errors.New("short write")
	}

	return nil
}
