package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ergochat/irc-go/ircreader"
	"github.com/google/uuid"
	"github.com/horgh/catbox/internal/channel"
	"github.com/horgh/catbox/internal/config"
	"github.com/horgh/catbox/internal/dispatch"
	"github.com/horgh/catbox/internal/eventbus"
	"github.com/horgh/catbox/internal/events"
	"github.com/horgh/catbox/internal/handlers"
	"github.com/horgh/catbox/internal/logging"
	"github.com/horgh/catbox/internal/metrics"
	"github.com/horgh/catbox/internal/queue"
	"github.com/horgh/catbox/internal/session"
	"github.com/horgh/irc"
	"github.com/pkg/errors"
)

// Version is what --version prints.
const Version = "catbox-2.0"

// How long we wait for background work to finish at shutdown.
const drainTimeout = 10 * time.Second

// Catbox holds the state for this local server.
// I put everything global to a server in an instance of struct rather than
// have global variables.
type Catbox struct {
	// ConfigFile is the path to the config file.
	ConfigFile string

	// config is swapped on rehash.
	config atomic.Pointer[config.Config]

	log      *logging.Logger
	metrics  *metrics.Collector
	sessions *session.Store
	channels *channel.Manager
	bus      *eventbus.Bus
	queue    *queue.Manager
	registry *dispatch.Registry
	handlers *handlers.Handlers

	// Session id to LocalClient.
	clientsMu sync.Mutex
	clients   map[string]*LocalClient

	// TCP listener.
	Listener net.Listener

	// Cancelled when we're shutting down.
	ctx    context.Context
	cancel context.CancelFunc

	// Why we're shutting down. Set once.
	shutdownOnce   sync.Once
	shutdownReason string

	// WaitGroup to ensure all goroutines clean up before we end.
	WG sync.WaitGroup
}

func main() {
	args, err := getArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if args.Version {
		fmt.Println(Version)
		return
	}

	log := logging.Default(logging.FromVerbosity(args.Verbosity))

	cb, err := newCatbox(args.ConfigFile, log)
	if err != nil {
		log.Errorf("%s", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT,
		syscall.SIGTERM)
	defer stop()

	go cb.rehashOnHUP(ctx)

	if err := cb.listen(); err != nil {
		log.Errorf("%s", err)
		os.Exit(1)
	}

	cb.serve(ctx)

	log.Infof("Server shutdown cleanly.")
}

func newCatbox(configFile string, log *logging.Logger) (*Catbox, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, errors.Wrap(err, "configuration problem")
	}

	cb := &Catbox{
		ConfigFile: configFile,
		log:        log,
		metrics:    metrics.New(),
		sessions:   session.NewStore(),
		registry:   dispatch.NewRegistry(log),
		clients:    make(map[string]*LocalClient),
	}
	cb.config.Store(cfg)
	cb.ctx, cb.cancel = context.WithCancel(context.Background())

	cb.bus = eventbus.New(log, eventbus.Options{
		Workers:    cfg.EventWorkers,
		QueueDepth: cfg.EventQueueDepth,
	})
	cb.queue = queue.NewManager(log, queue.Options{
		Parallelism: cfg.QueueParallelism,
		Depth:       cfg.QueueDepth,
	})
	cb.channels = channel.NewManager(log, cfg.ServerName, cb.sessions, cb.bus)

	h := handlers.New(handlers.Deps{
		Log:      log,
		Server:   cb,
		Sessions: cb.sessions,
		Channels: cb.channels,
		Bus:      cb.bus,
		Queue:    cb.queue,
		Metrics:  cb.metrics,
	})
	h.Register(cb.registry)
	cb.handlers = h
	h.Subscribe(cb.bus)

	return cb, nil
}

// listen opens the listener. It uses TLS when a certificate is configured.
func (cb *Catbox) listen() error {
	cfg := cb.Config()

	if !cfg.TLS() {
		ln, err := net.Listen("tcp", cfg.Addr())
		if err != nil {
			return errors.Wrap(err, "unable to listen")
		}
		cb.Listener = ln
		return nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
	if err != nil {
		return errors.Wrap(err, "unable to load certificate/key")
	}

	ln, err := tls.Listen("tcp", cfg.Addr(), &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		return errors.Wrap(err, "unable to listen (TLS)")
	}
	cb.Listener = ln
	return nil
}

// serve starts the server goroutines and runs until ctx ends or something
// calls Shutdown. It returns once everything has cleaned up.
func (cb *Catbox) serve(ctx context.Context) {
	cb.log.Infof("catbox started. Listening on %s", cb.Listener.Addr())

	cb.WG.Add(1)
	go cb.acceptConnections()

	// Alarm wakes up periodically so we can do things like ping clients.
	cb.WG.Add(1)
	go cb.alarm()

	stream, stopObserving := cb.bus.Observe(256)
	cb.WG.Add(1)
	go func() {
		defer cb.WG.Done()
		cb.metrics.Consume(cb.ctx, stream)
	}()

	cb.WG.Add(1)
	go func() {
		defer cb.WG.Done()
		cb.queue.Sample(cb.ctx, cb.Config().WakeupTime, cb.metrics.RecordQueueStats)
	}()

	select {
	case <-ctx.Done():
		cb.Shutdown("Server shutting down")
	case <-cb.ctx.Done():
	}

	cb.shutdown()
	stopObserving()

	cb.WG.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := cb.bus.Close(drainCtx); err != nil {
		cb.log.Warnf("Problem closing event bus: %s", err)
	}
	if err := cb.queue.CompleteAndWait(drainCtx); err != nil {
		cb.log.Warnf("Problem draining process queues: %s", err)
	}
}

// shutdown closes the listener and tells every client.
func (cb *Catbox) shutdown() {
	cb.log.Infof("Server shutdown initiated: %s", cb.shutdownReason)

	if err := cb.Listener.Close(); err != nil {
		cb.log.Warnf("Problem closing TCP listener: %s", err)
	}

	cb.clientsMu.Lock()
	ids := make([]string, 0, len(cb.clients))
	for id := range cb.clients {
		ids = append(ids, id)
	}
	cb.clientsMu.Unlock()

	for _, id := range ids {
		cb.Disconnect(id, cb.shutdownReason)
	}
}

// Return true if the server is shutting down.
func (cb *Catbox) isShuttingDown() bool {
	select {
	case <-cb.ctx.Done():
		return true
	default:
		return false
	}
}

// acceptConnections accepts TCP connections. It sets up separate goroutines
// for reading/writing to and from the client.
func (cb *Catbox) acceptConnections() {
	defer cb.WG.Done()

	for {
		if cb.isShuttingDown() {
			break
		}

		conn, err := cb.Listener.Accept()
		if err != nil {
			if cb.isShuttingDown() {
				break
			}
			cb.log.Warnf("Failed to accept connection: %s", err)
			continue
		}

		cb.introduceClient(conn)
	}

	cb.log.Infof("Connection accepter shutting down.")
}

// introduceClient sets up a new connection's session and starts its loops.
func (cb *Catbox) introduceClient(conn net.Conn) {
	id := uuid.NewString()
	client := NewLocalClient(cb, id, conn)

	ip := conn.RemoteAddr().String()
	if client.Conn.IP != nil {
		ip = client.Conn.IP.String()
	}

	sess, err := cb.sessions.Create(id, ip, ip, client)
	if err != nil {
		cb.log.Errorf("Unable to create session %s: %s", id, err)
		_ = conn.Close()
		return
	}

	cb.clientsMu.Lock()
	cb.clients[id] = client
	cb.clientsMu.Unlock()

	cb.metrics.ConnectionOpened()
	cb.log.Debugf("New client connection: %s", client)

	cb.WG.Add(1)
	go client.readLoop(sess)
	cb.WG.Add(1)
	go client.writeLoop()

	// We may have missed shutdown telling everyone.
	if cb.isShuttingDown() {
		cb.Disconnect(id, cb.shutdownReason)
	}
}

// alarm wakes up every WakeupTime to check on clients. It stops when we
// shut down.
func (cb *Catbox) alarm() {
	defer cb.WG.Done()

	ticker := time.NewTicker(cb.Config().WakeupTime)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cb.checkAndPingClients()
		case <-cb.ctx.Done():
			cb.log.Infof("Alarm shutting down.")
			return
		}
	}
}

// checkAndPingClients looks at each connected client.
//
// If they've been idle a short time, we send them a PING (if they're
// registered).
//
// If they've been idle a long time, we kill their connection.
func (cb *Catbox) checkAndPingClients() {
	cfg := cb.Config()
	now := time.Now()

	cb.clientsMu.Lock()
	ids := make([]string, 0, len(cb.clients))
	for id := range cb.clients {
		ids = append(ids, id)
	}
	cb.clientsMu.Unlock()

	for _, id := range ids {
		sess, ok := cb.sessions.Get(id)
		if !ok {
			continue
		}

		timeIdle := now.Sub(sess.LastActivity())

		if !sess.Authenticated() {
			if timeIdle > cfg.DeadTime {
				cb.Disconnect(id, "Idle too long.")
			}
			continue
		}

		// Was it active recently enough that we don't need to do anything?
		if timeIdle < cfg.PingTime {
			continue
		}

		// It's been idle a while.

		// Has it been idle long enough that we consider it dead?
		if timeIdle > cfg.DeadTime {
			cb.Disconnect(id, fmt.Sprintf("Ping timeout: %d seconds",
				int(timeIdle.Seconds())))
			continue
		}

		// Should we ping it? We might have pinged it recently.
		if now.Sub(sess.LastPing()) < cfg.PingTime {
			continue
		}

		sess.Send(irc.Message{
			Prefix:  cfg.ServerName,
			Command: "PING",
			Params:  []string{cfg.ServerName},
		})
		sess.PingSent(now)
	}
}

// rehashOnHUP reloads the configuration each time we get SIGHUP.
func (cb *Catbox) rehashOnHUP(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			if _, err := cb.Rehash(); err != nil {
				cb.log.Errorf("Rehash: %s", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Config returns the current configuration.
func (cb *Catbox) Config() *config.Config {
	return cb.config.Load()
}

// Rehash reloads the configuration file.
//
// Settings that the running server already acted on, such as where we
// listen, keep their old values.
func (cb *Catbox) Rehash() (string, error) {
	fresh, err := config.Load(cb.ConfigFile)
	if err != nil {
		return "", err
	}

	next := *cb.Config()
	next.MOTD = fresh.MOTD
	next.OpersConfig = fresh.OpersConfig
	next.Opers = fresh.Opers
	next.ServerPassword = fresh.ServerPassword
	next.PingTime = fresh.PingTime
	next.DeadTime = fresh.DeadTime
	cb.config.Store(&next)

	cb.log.Infof("Rehashed configuration from %s", cb.ConfigFile)
	return cb.ConfigFile, nil
}

// Shutdown starts server shutdown.
func (cb *Catbox) Shutdown(reason string) {
	cb.shutdownOnce.Do(func() {
		cb.shutdownReason = reason
		cb.cancel()
	})
}

// Disconnect tears down a client's session and tells its neighbours.
//
// It is safe to call more than once and from any goroutine.
func (cb *Catbox) Disconnect(sessionID, reason string) {
	cb.clientsMu.Lock()
	client, ok := cb.clients[sessionID]
	if ok {
		delete(cb.clients, sessionID)
	}
	cb.clientsMu.Unlock()
	if !ok {
		return
	}

	cb.log.Debugf("Client %s quit: %s", client, reason)

	if sess, ok := cb.sessions.Get(sessionID); ok {
		// This may run while the client's reader is mid-command. Closing the
		// session in RemoveSession stops that command from joining anything
		// new.
		neighbors := cb.channels.RemoveSession(sess)

		if sess.Authenticated() {
			quit := irc.Message{
				Prefix:  sess.NickUhost(),
				Command: "QUIT",
				Params:  []string{reason},
			}
			for _, id := range neighbors {
				if other, ok := cb.sessions.Get(id); ok {
					other.Send(quit)
				}
			}
		}

		if err := cb.bus.Publish(cb.ctx, events.SessionClosed{
			SessionID: sessionID,
			Nick:      sess.Nick(),
			Reason:    reason,
		}); err != nil {
			cb.log.Tracef("Unable to publish session close: %s", err)
		}
	}

	cb.sessions.Remove(sessionID)
	client.quit(reason)
	cb.metrics.ConnectionClosed()
}

// errorToQuitMessage turns an I/O error into something suitable to show
// other users as the reason the client left.
func (cb *Catbox) errorToQuitMessage(err error) string {
	if err == nil || err.Error() == "" {
		return "I/O error"
	}

	switch errors.Cause(err) {
	case io.EOF:
		return "Client closed connection"
	case ircreader.ErrReadQ:
		return "Excess Flood"
	}

	msg := err.Error()

	if strings.Contains(msg, "i/o timeout") {
		return fmt.Sprintf("Ping timeout: %d seconds",
			int(cb.Config().DeadTime.Seconds()))
	}

	if strings.Contains(msg, "connection reset by peer") {
		return "Connection reset by peer"
	}

	return msg
}
