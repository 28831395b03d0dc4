package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/horgh/catbox/internal/harness"
	"github.com/horgh/catbox/internal/logging"
	"github.com/horgh/irc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type testServer struct {
	cb     *Catbox
	addr   string
	cancel context.CancelFunc
	done   chan struct{}
}

// harnessCatbox starts a server on a random port. It stops when the test
// ends.
func harnessCatbox(t *testing.T) *testServer {
	t.Helper()

	dir := t.TempDir()

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	opers := filepath.Join(dir, "opers.yml")
	require.NoError(t, os.WriteFile(opers, []byte(fmt.Sprintf(`opers:
  - name: admin
    password: "%s"
`, hash)), 0o600))

	conf := filepath.Join(dir, "catbox.conf")
	require.NoError(t, os.WriteFile(conf, []byte(fmt.Sprintf(`listen-host = 127.0.0.1
listen-port = 0
server-name = irc.example.org
server-info = Test server
version = catbox-test
created-date = 2026-01-01
motd = Hello there
max-nick-length = 9
wakeup-time = 1s
ping-time = 30s
dead-time = 240s
opers-config = %s
`, opers)), 0o600))

	cb, err := newCatbox(conf, logging.New(io.Discard, logging.LevelError))
	require.NoError(t, err)
	require.NoError(t, cb.listen())

	ctx, cancel := context.WithCancel(context.Background())
	s := &testServer{
		cb:     cb,
		addr:   cb.Listener.Addr().String(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		cb.serve(ctx)
	}()

	t.Cleanup(s.stop)
	return s
}

func (s *testServer) stop() {
	s.cancel()
	<-s.done
}

// register connects a client and waits for the end of its welcome burst.
func (s *testServer) register(t *testing.T, nick string) *harness.Client {
	t.Helper()

	c := harness.NewClient(nick, s.addr)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)

	_, err := c.Wait(irc.ReplyWelcome)
	require.NoError(t, err, "welcome for %s", nick)

	// User mode +i ends the burst.
	_, err = c.Wait("MODE")
	require.NoError(t, err, "mode for %s", nick)

	return c
}

func join(t *testing.T, c *harness.Client, channel string) {
	t.Helper()

	require.NoError(t, c.Send("JOIN", channel))
	_, err := c.Wait("366")
	require.NoError(t, err, "%s joining %s", c.GetNick(), channel)
}

// Test one client sending a message to another client.
func TestPRIVMSG(t *testing.T) {
	s := harnessCatbox(t)

	client1 := s.register(t, "client1")
	client2 := s.register(t, "client2")

	require.NoError(t, client1.Send("PRIVMSG", client2.GetNick(), "hi there"))

	m, err := client2.Wait("PRIVMSG")
	require.NoError(t, err)
	assert.Equal(t, "client1!~client1@127.0.0.1", m.Prefix)
	assert.Equal(t, []string{"client2", "hi there"}, m.Params)
}

// Test that clients get the creation time when running MODE on a channel
// they are on.
func TestMODECreationTime(t *testing.T) {
	s := harnessCatbox(t)

	client1 := s.register(t, "client1")
	join(t, client1, "#test")
	assert.Equal(t, []string{"#test"}, client1.GetChannels())

	require.NoError(t, client1.Send("MODE", "#test"))

	modes, err := client1.Wait("324")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(modes.Params), 3)
	assert.Equal(t, "#test", modes.Params[1])

	created, err := client1.Wait("329")
	require.NoError(t, err)
	require.Len(t, created.Params, 3)
	ts, err := strconv.ParseInt(created.Params[2], 10, 64)
	require.NoError(t, err)
	assert.Positive(t, ts)
}

func TestChannelMessage(t *testing.T) {
	s := harnessCatbox(t)

	alice := s.register(t, "alice")
	bob := s.register(t, "bob")
	join(t, alice, "#chat")
	join(t, bob, "#chat")

	m, err := alice.Wait("JOIN")
	require.NoError(t, err)
	assert.Equal(t, "bob", m.SourceNick())

	require.NoError(t, bob.Send("PRIVMSG", "#chat", "hello all"))

	m, err = alice.Wait("PRIVMSG")
	require.NoError(t, err)
	assert.Equal(t, "bob", m.SourceNick())
	assert.Equal(t, []string{"#chat", "hello all"}, m.Params)
}

func TestNickChangeSeenByChannel(t *testing.T) {
	s := harnessCatbox(t)

	alice := s.register(t, "alice")
	bob := s.register(t, "bob")
	join(t, alice, "#a")
	join(t, bob, "#a")

	require.NoError(t, alice.Send("NICK", "alicia"))

	for _, c := range []*harness.Client{alice, bob} {
		m, err := c.Wait("NICK")
		require.NoError(t, err)
		assert.Equal(t, "alice!~alice@127.0.0.1", m.Prefix)
		assert.Equal(t, []string{"alicia"}, m.Params)
	}
}

func TestQuitNotifiesChannel(t *testing.T) {
	s := harnessCatbox(t)

	alice := s.register(t, "alice")
	bob := s.register(t, "bob")
	join(t, alice, "#a")
	join(t, bob, "#a")

	require.NoError(t, bob.Send("QUIT", "bye"))

	m, err := bob.Wait("ERROR")
	require.NoError(t, err)
	assert.Equal(t, []string{"Quit: bye"}, m.Params)

	m, err = alice.Wait("QUIT")
	require.NoError(t, err)
	assert.Equal(t, "bob!~bob@127.0.0.1", m.Prefix)
	assert.Equal(t, []string{"Quit: bye"}, m.Params)
}

func TestUnknownAndUnregistered(t *testing.T) {
	s := harnessCatbox(t)

	c := harness.NewClient("early", s.addr)
	require.NoError(t, c.Connect())
	t.Cleanup(c.Stop)

	require.NoError(t, c.Send("JOIN", "#a"))
	m, err := c.Wait("451")
	require.NoError(t, err)
	assert.Equal(t, "*", m.Params[0])

	require.NoError(t, c.Send("FROB"))
	m, err = c.Wait("421")
	require.NoError(t, err)
	assert.Equal(t, []string{"*", "FROB", "Unknown command"}, m.Params)

	require.NoError(t, c.SendRaw(":someone PRIVMSG x :y\r\n"))
	m, err = c.Wait("ERROR")
	require.NoError(t, err)
	assert.Equal(t, []string{"Do not send a prefix"}, m.Params)
}

func TestOperDie(t *testing.T) {
	s := harnessCatbox(t)

	alice := s.register(t, "alice")
	bob := s.register(t, "bob")

	require.NoError(t, alice.Send("DIE"))
	_, err := alice.Wait("481")
	require.NoError(t, err)

	require.NoError(t, alice.Send("OPER", "admin", "hunter2"))
	_, err = alice.Wait("381")
	require.NoError(t, err)

	require.NoError(t, alice.Send("DIE"))

	for _, c := range []*harness.Client{alice, bob} {
		m, err := c.Wait("ERROR")
		require.NoError(t, err)
		assert.Equal(t, []string{"Server shutting down by alice"}, m.Params)
	}

	<-s.done
}

func TestShutdownTellsClients(t *testing.T) {
	s := harnessCatbox(t)

	c := s.register(t, "alice")
	s.stop()

	m, err := c.Wait("ERROR")
	require.NoError(t, err)
	assert.Equal(t, []string{"Server shutting down"}, m.Params)
}
