// Package client implements an MQTT 3.1/3.1.1 client over TCP or TLS:
// a long-running session that multiplexes one full-duplex stream between
// a reader goroutine, a writer goroutine and the caller-facing
// publish/subscribe/get operations, with keep-alive pings, per-packet
// acknowledgement tracking with retransmission, and automatic
// reconnection.
package client

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axmq/mqttc/encoding"
)

// countingReader counts the bytes pulled off the wire for metrics
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.n.Add(int64(n))
	}
	return n, err
}

// Client is an MQTT 3.1/3.1.1 client. Create one with NewClient, open the
// session with Connect (or WithSession for a scoped session) and close it
// with Disconnect. A Client is safe for concurrent use; a disconnected
// Client can be connected again.
type Client struct {
	cfg Config

	// connMu serializes connect, disconnect and reconnect. The worker
	// goroutines take it only on the reconnect path.
	connMu sync.Mutex

	// gen identifies the current session generation. Every
	// disconnect and reconnect bumps it; a worker whose captured
	// generation no longer matches exits without touching the session.
	gen       atomic.Int64
	connected atomic.Bool

	conn  net.Conn
	bufr  *bufio.Reader
	rcnt  *countingReader
	wg    sync.WaitGroup
	queue *sendQueue
	in    *inbox
	acks  *ackTracker

	// wakeMu guards the reader's idle window: while the reader sits in
	// its timed wait, a wake moves the read deadline into the past to
	// kick it out so it recomputes its timeout
	wakeMu     sync.Mutex
	wakeConn   net.Conn
	readerIdle bool
	woken      bool

	// keep-alive state, written by the reader and reset on connect
	lastReceived  atomic.Int64 // UnixNano of the most recent packet
	keepAliveSent atomic.Bool

	// batch accumulator for BatchPublish, keyed by (retain, qos)
	batchMu    sync.Mutex
	batch      map[batchKey]map[string][]byte
	batchDepth int
}

type batchKey struct {
	retain bool
	qos    encoding.QoS
}

// NewClient creates a client from cfg (nil selects DefaultConfig). When
// the configuration carries no host, the MQTT_SERVER environment variable
// is consulted for a broker URI.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	c := &Client{
		cfg:   *cfg,
		queue: newSendQueue(),
		in:    newInbox(),
		acks:  newAckTracker(),
	}

	if c.cfg.Logger == nil {
		c.cfg.Logger = DefaultConfig().Logger
	}

	if c.cfg.Host == "" {
		if uri := os.Getenv(EnvServer); uri != "" {
			if err := c.cfg.ApplyURL(uri); err != nil {
				return nil, err
			}
		}
	}

	if _, err := c.cfg.protocolVersion(); err != nil {
		return nil, err
	}

	return c, nil
}

// NewClientFromURL creates a client for the broker named by a
// mqtt://[user:pass@]host[:port] or mqtts://… connection string
func NewClientFromURL(raw string) (*Client, error) {
	cfg := DefaultConfig()
	if err := cfg.ApplyURL(raw); err != nil {
		return nil, err
	}
	return NewClient(cfg)
}

// Connected reports whether the session is live
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Connect opens the session: it dials the broker, performs the
// CONNECT/CONNACK handshake and spawns the reader and writer. Connecting
// an already-connected client is a no-op.
func (c *Client) Connect() error {
	_, err := c.connectIfNeeded()
	return err
}

// connectIfNeeded opens the session unless one is already live. The
// first return value reports whether this call established the
// connection, so a scoped caller knows whether tearing it down is its
// job.
func (c *Client) connectIfNeeded() (bool, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.connected.Load() {
		return false, nil
	}

	if c.cfg.Host == "" {
		return false, ErrMissingHost
	}

	version, err := c.cfg.protocolVersion()
	if err != nil {
		return false, err
	}

	if c.cfg.ClientID == "" {
		switch version {
		case encoding.Version310:
			c.cfg.ClientID = generateClientID()
		default:
			// 3.1.1 permits a zero-length id, but only with a
			// clean session
			if !c.cfg.CleanSession {
				return false, ErrMissingClientID
			}
		}
	}
	if version == encoding.Version310 && len(c.cfg.ClientID) > 23 {
		return false, ErrClientIDTooLong
	}

	err = c.connectInternal()
	return err == nil, err
}

// WithSession runs fn inside a scoped session. On a disconnected client
// it connects first and disconnects on every exit path; on an
// already-connected client it just runs fn and leaves the session up, so
// a long-lived Connect can be mixed with scoped helpers.
func (c *Client) WithSession(fn func(*Client) error) error {
	didConnect, err := c.connectIfNeeded()
	if err != nil {
		return err
	}
	if didConnect {
		defer c.Disconnect()
	}
	return fn(c)
}

// connectInternal performs one connection attempt: dial, optional TLS,
// CONNECT/CONNACK handshake, then worker spawn. Must be called with
// connMu held.
func (c *Client) connectInternal() error {
	version, err := c.cfg.protocolVersion()
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.port()))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	if c.cfg.SSL {
		tlsCfg, err := c.cfg.buildTLSConfig()
		if err != nil {
			conn.Close()
			return err
		}
		tlsConn := tls.Client(conn, tlsCfg)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return fmt.Errorf("tls handshake with %s: %w", addr, err)
		}
		conn = tlsConn
	}

	connect := &encoding.ConnectPacket{
		ProtocolVersion: version,
		CleanSession:    c.cfg.CleanSession,
		KeepAlive:       uint16(c.cfg.KeepAlive / time.Second),
		ClientID:        c.cfg.ClientID,
	}
	if c.cfg.WillTopic != "" {
		connect.WillFlag = true
		connect.WillTopic = c.cfg.WillTopic
		connect.WillPayload = c.cfg.WillPayload
		connect.WillQoS = c.cfg.WillQoS
		connect.WillRetain = c.cfg.WillRetain
	}
	if c.cfg.Username != "" {
		connect.UsernameFlag = true
		connect.Username = c.cfg.Username
	}
	if c.cfg.Password != "" {
		connect.PasswordFlag = true
		connect.Password = []byte(c.cfg.Password)
	}

	data, err := encoding.EncodePacket(connect)
	if err != nil {
		conn.Close()
		return err
	}
	if _, err := conn.Write(data); err != nil {
		conn.Close()
		return fmt.Errorf("send CONNECT: %w", err)
	}
	c.cfg.Metrics.AddSent(1, len(data))

	rcnt := &countingReader{r: conn}
	bufr := bufio.NewReader(rcnt)

	conn.SetReadDeadline(time.Now().Add(c.cfg.ackTimeout()))
	pkt, err := encoding.ReadPacket(bufr)
	if err != nil {
		conn.Close()
		return fmt.Errorf("read CONNACK: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	connack, ok := pkt.(*encoding.ConnackPacket)
	if !ok {
		conn.Close()
		return encoding.NewProtocolError(encoding.ErrMalformedPacket,
			fmt.Sprintf("expected CONNACK, got %s", pkt.Type()))
	}
	if connack.ReturnCode != encoding.ConnectionAccepted {
		conn.Close()
		return encoding.NewProtocolError(encoding.ErrConnectionRefused,
			connack.ReturnCode.Message())
	}

	c.conn = conn
	c.bufr = bufr
	c.rcnt = rcnt
	c.lastReceived.Store(time.Now().UnixNano())
	c.keepAliveSent.Store(false)
	c.in.reopen()

	c.wakeMu.Lock()
	c.wakeConn = conn
	c.readerIdle = false
	c.woken = false
	c.wakeMu.Unlock()

	c.connected.Store(true)
	gen := c.gen.Load()

	c.wg.Add(2)
	go c.writerLoop(gen, c.queue.currentEpoch(), conn)
	go c.readerLoop(gen, conn, bufr, rcnt)

	c.cfg.Logger.Info("connected", "host", c.cfg.Host, "port", c.cfg.port(), "client_id", c.cfg.ClientID)

	return nil
}

// Disconnect sends a DISCONNECT packet (best-effort), shuts both workers
// down, fails every pending acknowledgement and closes the socket
func (c *Client) Disconnect() error {
	return c.disconnect(true)
}

// DisconnectWithoutMessage tears the session down without sending the
// DISCONNECT packet
func (c *Client) DisconnectWithoutMessage() error {
	return c.disconnect(false)
}

func (c *Client) disconnect(sendMsg bool) error {
	c.connMu.Lock()

	if !c.connected.Load() {
		c.connMu.Unlock()
		return nil
	}

	c.connected.Store(false)
	c.gen.Add(1)

	if sendMsg {
		if data, err := encoding.EncodePacket(&encoding.DisconnectPacket{}); err == nil {
			c.conn.Write(data)
		}
	}

	c.conn.Close()
	c.queue.reset()
	c.acks.failAll(ErrConnectionClosed)
	c.cfg.Metrics.SetPendingAcks(0)
	c.in.close()

	c.cfg.Logger.Info("disconnected", "client_id", c.cfg.ClientID)

	c.connMu.Unlock()

	// The generation was bumped and connMu released before joining, so a
	// worker on its way into reconnect sees a stale generation and
	// returns; joining them here cannot deadlock
	c.wg.Wait()
	return nil
}

// wake kicks the reader out of its timed wait so it recomputes its
// timeout, typically because the first pending acknowledgement was just
// registered
func (c *Client) wake() {
	c.wakeMu.Lock()
	c.woken = true
	if c.readerIdle && c.wakeConn != nil {
		c.wakeConn.SetReadDeadline(time.Now().Add(-time.Second))
	}
	c.wakeMu.Unlock()
}

// reconnect recovers a broken session. It is invoked by whichever worker
// hit the error; the opposite worker is retired by the generation bump
// and the closed socket. On terminal failure the original error is pushed
// into the read queue so the next Get surfaces it.
func (c *Client) reconnect(callerGen int64, cause error) {
	c.connMu.Lock()

	if c.gen.Load() != callerGen || !c.connected.Load() {
		// Another worker already started recovery, or the session
		// was shut down underneath us
		c.connMu.Unlock()
		return
	}

	c.cfg.Logger.Warn("connection lost", "error", cause)

	c.gen.Add(1)
	c.conn.Close()
	c.queue.bump()

	recovered := false
	for attempt := 1; attempt <= c.cfg.ReconnectLimit; attempt++ {
		c.cfg.Metrics.IncReconnects()
		err := c.connectInternal()
		if err == nil {
			recovered = true
			break
		}
		c.cfg.Logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
		if attempt < c.cfg.ReconnectLimit {
			time.Sleep(backoffDelay(c.cfg.ReconnectBackoff, attempt))
		}
	}

	if !recovered {
		c.connected.Store(false)
		// Drop the unsendable queue, releasing any flush barriers
		c.queue.reset()
		c.acks.failAll(ErrConnectionClosed)
		c.cfg.Metrics.SetPendingAcks(0)
		c.in.push(readEntry{err: cause, ts: time.Now()})
		c.in.close()
		c.connMu.Unlock()
		return
	}

	cb := c.cfg.OnReconnect
	c.connMu.Unlock()

	if cb != nil {
		if err := cb(c); err != nil {
			c.in.push(readEntry{err: err, ts: time.Now()})
			// Disconnect joins the workers, the calling one included, so
			// it runs on its own goroutine
			go c.Disconnect()
		}
	}
}

// backoffDelay is the sleep before retry n: the configured backoff in
// seconds raised to the nth power
func backoffDelay(backoff time.Duration, attempt int) time.Duration {
	seconds := math.Pow(backoff.Seconds(), float64(attempt))
	return time.Duration(seconds * float64(time.Second))
}

// exitWorker routes a worker error into reconnection unless the session
// has already moved past the worker's generation
func (c *Client) exitWorker(gen int64, err error) {
	if c.gen.Load() != gen {
		return
	}
	c.reconnect(gen, err)
}

// isTimeout reports whether err is a read-deadline expiry
func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
