package client

import (
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axmq/mqttc/encoding"
)

// testBroker is a scripted broker side: it accepts TCP connections and
// hands them to the test to drive packet by packet
type testBroker struct {
	t     *testing.T
	ln    net.Listener
	conns chan net.Conn
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &testBroker{t: t, ln: ln, conns: make(chan net.Conn, 8)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			b.conns <- conn
		}
	}()

	t.Cleanup(func() { ln.Close() })
	return b
}

func (b *testBroker) hostPort() (string, int) {
	b.t.Helper()
	host, portStr, err := net.SplitHostPort(b.ln.Addr().String())
	require.NoError(b.t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(b.t, err)
	return host, port
}

// accept waits for the next client connection
func (b *testBroker) accept() net.Conn {
	b.t.Helper()
	select {
	case conn := <-b.conns:
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		return conn
	case <-time.After(5 * time.Second):
		b.t.Fatal("no connection accepted")
		return nil
	}
}

// handshake consumes the CONNECT and answers with an accepting CONNACK
func (b *testBroker) handshake(conn net.Conn) *encoding.ConnectPacket {
	b.t.Helper()

	pkt, err := encoding.ReadPacket(conn)
	require.NoError(b.t, err)
	connect, ok := pkt.(*encoding.ConnectPacket)
	require.True(b.t, ok, "expected CONNECT, got %s", pkt.Type())

	b.send(conn, &encoding.ConnackPacket{})
	return connect
}

func (b *testBroker) send(conn net.Conn, p encoding.Packet) {
	b.t.Helper()
	data, err := encoding.EncodePacket(p)
	require.NoError(b.t, err)
	_, err = conn.Write(data)
	require.NoError(b.t, err)
}

func (b *testBroker) read(conn net.Conn) encoding.Packet {
	b.t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	pkt, err := encoding.ReadPacket(conn)
	require.NoError(b.t, err)
	return pkt
}

// newTestClient builds a client aimed at the broker with fast timeouts
// and reconnection disabled; mutate adjusts the configuration
func newTestClient(t *testing.T, b *testBroker, mutate func(*Config)) *Client {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Host, cfg.Port = b.hostPort()
	cfg.ClientID = "testclient"
	cfg.KeepAlive = 0
	cfg.AckTimeout = time.Second
	cfg.ReconnectLimit = 0
	if mutate != nil {
		mutate(cfg)
	}

	c, err := NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.DisconnectWithoutMessage() })
	return c
}

func TestConnectSendsWireImage(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, b, func(cfg *Config) {
		cfg.ClientID = "myclient"
		cfg.KeepAlive = 15 * time.Second
	})

	done := make(chan error, 1)
	go func() { done <- c.Connect() }()

	conn := b.accept()
	defer conn.Close()

	raw := make([]byte, 22)
	_, err := io.ReadFull(conn, raw)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x10\x14\x00\x04MQTT\x04\x02\x00\x0F\x00\x08myclient"), raw)

	_, err = conn.Write([]byte("\x20\x02\x00\x00"))
	require.NoError(t, err)

	require.NoError(t, <-done)
	assert.True(t, c.Connected())
}

func TestConnectRefused(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, b, nil)

	done := make(chan error, 1)
	go func() { done <- c.Connect() }()

	conn := b.accept()
	defer conn.Close()

	_, err := encoding.ReadPacket(conn)
	require.NoError(t, err)
	b.send(conn, &encoding.ConnackPacket{ReturnCode: encoding.RefusedBadUsernameOrPassword})

	err = <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad user name or password")
	assert.False(t, c.Connected())
}

func TestConnectRequiresHost(t *testing.T) {
	cfg := DefaultConfig()
	c, err := NewClient(cfg)
	require.NoError(t, err)

	assert.ErrorIs(t, c.Connect(), ErrMissingHost)
}

func TestConnectRequiresClientIDWithoutCleanSession(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, b, func(cfg *Config) {
		cfg.ClientID = ""
		cfg.CleanSession = false
	})

	assert.ErrorIs(t, c.Connect(), ErrMissingClientID)
}

func TestConnect310GeneratesClientID(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, b, func(cfg *Config) {
		cfg.ClientID = ""
		cfg.Version = "3.1.0"
	})

	done := make(chan error, 1)
	go func() { done <- c.Connect() }()

	conn := b.accept()
	defer conn.Close()

	connect := b.handshake(conn)
	require.NoError(t, <-done)

	assert.Equal(t, "MQIsdp", connect.ProtocolName)
	assert.Regexp(t, `^gomqtt[a-z0-9]{16}$`, connect.ClientID)
	assert.LessOrEqual(t, len(connect.ClientID), 23)
}

func TestConnect310RejectsLongClientID(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, b, func(cfg *Config) {
		cfg.ClientID = "this-client-id-is-way-too-long"
		cfg.Version = "3.1.0"
	})

	assert.ErrorIs(t, c.Connect(), ErrClientIDTooLong)
}

func TestOperationsRequireConnection(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, b, nil)

	assert.ErrorIs(t, c.Publish("t", nil, false, encoding.QoS0), ErrNotConnected)
	assert.ErrorIs(t, c.Subscribe(map[string]encoding.QoS{"t": encoding.QoS0}, false), ErrNotConnected)
	assert.ErrorIs(t, c.Unsubscribe(false, "t"), ErrNotConnected)
	assert.ErrorIs(t, c.Flush(), ErrNotConnected)
}

func TestPublishValidation(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, b, nil)

	assert.ErrorIs(t, c.Publish("", nil, false, encoding.QoS0), ErrEmptyTopic)
	assert.ErrorIs(t, c.PublishMap(nil, false, encoding.QoS0), ErrNoTopics)
	assert.ErrorIs(t, c.Publish("t", nil, false, encoding.QoS(3)), encoding.ErrInvalidQoS)
}

// connectClient performs the client connect against the broker and
// returns the broker side of the session
func connectClient(t *testing.T, b *testBroker, c *Client) net.Conn {
	t.Helper()

	done := make(chan error, 1)
	go func() { done <- c.Connect() }()

	conn := b.accept()
	b.handshake(conn)
	require.NoError(t, <-done)

	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestPublishQoS0WireImage(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, b, nil)
	conn := connectClient(t, b, c)

	require.NoError(t, c.Publish("topic", []byte("payload"), false, encoding.QoS0))
	require.NoError(t, c.Flush())

	raw := make([]byte, 16)
	_, err := io.ReadFull(conn, raw)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x30\x0E\x00\x05topicpayload"), raw)
}

func TestPublishQoS1WaitsForAck(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, b, nil)
	conn := connectClient(t, b, c)

	done := make(chan error, 1)
	go func() { done <- c.Publish("topic", []byte("payload"), false, encoding.QoS1) }()

	pkt := b.read(conn)
	pub, ok := pkt.(*encoding.PublishPacket)
	require.True(t, ok)
	assert.Equal(t, encoding.QoS1, pub.FixedHeader.QoS)
	assert.False(t, pub.FixedHeader.DUP)
	assert.NotZero(t, pub.PacketID)

	// The publish must not complete before the acknowledgement
	select {
	case err := <-done:
		t.Fatalf("publish returned before PUBACK: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	b.send(conn, &encoding.PubackPacket{PacketID: pub.PacketID})
	require.NoError(t, <-done)
}

func TestPublishQoS1ResendsWithDupThenFails(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, b, func(cfg *Config) {
		cfg.AckTimeout = 150 * time.Millisecond
		cfg.ResendLimit = 2
	})
	conn := connectClient(t, b, c)

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- c.Publish("topic", []byte("payload"), false, encoding.QoS1) }()

	first := b.read(conn).(*encoding.PublishPacket)
	assert.False(t, first.FixedHeader.DUP)

	second := b.read(conn).(*encoding.PublishPacket)
	assert.True(t, second.FixedHeader.DUP, "retransmission must set the duplicate flag")
	assert.Equal(t, first.PacketID, second.PacketID)

	err := <-done
	assert.ErrorIs(t, err, ErrResendLimitExceeded)

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestSubscribeWireImage(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, b, nil)
	conn := connectClient(t, b, c)

	done := make(chan error, 1)
	go func() {
		done <- c.Subscribe(map[string]encoding.QoS{
			"a/b": encoding.QoS0,
			"c/d": encoding.QoS1,
		}, true)
	}()

	raw := make([]byte, 16)
	_, err := io.ReadFull(conn, raw)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x82\x0E\x00\x01\x00\x03a/b\x00\x00\x03c/d\x01"), raw)

	b.send(conn, &encoding.SubackPacket{PacketID: 1, ReturnCodes: []byte{0x00, 0x01}})
	require.NoError(t, <-done)
}

func TestUnsubscribeWaitsForAck(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, b, nil)
	conn := connectClient(t, b, c)

	done := make(chan error, 1)
	go func() { done <- c.Unsubscribe(true, "a/b") }()

	unsub := b.read(conn).(*encoding.UnsubscribePacket)
	assert.Equal(t, []string{"a/b"}, unsub.TopicFilters)

	b.send(conn, &encoding.UnsubackPacket{PacketID: unsub.PacketID})
	require.NoError(t, <-done)
}

func TestGetAcksQoS1AfterConsumption(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, b, nil)
	conn := connectClient(t, b, c)

	b.send(conn, &encoding.PublishPacket{
		FixedHeader: encoding.FixedHeader{QoS: encoding.QoS1},
		TopicName:   "news",
		PacketID:    9,
		Payload:     []byte("hello"),
	})

	pub, err := c.Get()
	require.NoError(t, err)
	assert.Equal(t, "news", pub.TopicName)
	assert.Equal(t, []byte("hello"), pub.Payload)

	ack := b.read(conn).(*encoding.PubackPacket)
	assert.Equal(t, uint16(9), ack.PacketID)
}

func TestGetQoS0NoAck(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, b, nil)
	conn := connectClient(t, b, c)

	b.send(conn, &encoding.PublishPacket{TopicName: "a", Payload: []byte("1")})
	b.send(conn, &encoding.PublishPacket{TopicName: "b", Payload: []byte("2")})

	first, err := c.Get()
	require.NoError(t, err)
	second, err := c.Get()
	require.NoError(t, err)

	// Delivery order matches wire order
	assert.Equal(t, "a", first.TopicName)
	assert.Equal(t, "b", second.TopicName)
}

func TestEachConsumesUntilDisconnect(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, b, nil)
	conn := connectClient(t, b, c)

	b.send(conn, &encoding.PublishPacket{TopicName: "x", Payload: []byte("1")})
	b.send(conn, &encoding.PublishPacket{TopicName: "x", Payload: []byte("2")})

	got := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- c.Each(func(pub *encoding.PublishPacket) {
			got <- string(pub.Payload)
		})
	}()

	assert.Equal(t, "1", <-got)
	assert.Equal(t, "2", <-got)

	c.DisconnectWithoutMessage()
	assert.ErrorIs(t, <-done, ErrNotConnected)
}

func TestKeepAliveTimeout(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, b, func(cfg *Config) {
		cfg.KeepAlive = 200 * time.Millisecond
		cfg.AckTimeout = 200 * time.Millisecond
	})
	conn := connectClient(t, b, c)

	var pings atomic.Int32
	go func() {
		for {
			pkt, err := encoding.ReadPacket(conn)
			if err != nil {
				return
			}
			if pkt.Type() == encoding.PINGREQ {
				pings.Add(1)
			}
		}
	}()

	errs := make(chan error, 1)
	go func() {
		_, err := c.Get()
		errs <- err
	}()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrKeepAliveTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("keep-alive timeout not surfaced")
	}

	// The server never answered, so exactly one ping went out
	assert.Equal(t, int32(1), pings.Load())
	assert.False(t, c.Connected())
}

func TestReconnectRestoresSession(t *testing.T) {
	b := newTestBroker(t)

	reconnected := make(chan struct{}, 1)
	c := newTestClient(t, b, func(cfg *Config) {
		cfg.ReconnectLimit = 3
		cfg.ReconnectBackoff = 10 * time.Millisecond
		cfg.OnReconnect = func(*Client) error {
			reconnected <- struct{}{}
			return nil
		}
	})
	conn := connectClient(t, b, c)

	// Drop the session; the client should dial right back in
	conn.Close()

	conn2 := b.accept()
	defer conn2.Close()
	b.handshake(conn2)

	select {
	case <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect callback not invoked")
	}
	assert.True(t, c.Connected())

	// The restored session still carries traffic
	require.NoError(t, c.Publish("alive", []byte("again"), false, encoding.QoS0))
	require.NoError(t, c.Flush())

	pub := b.read(conn2).(*encoding.PublishPacket)
	assert.Equal(t, "alive", pub.TopicName)
}

func TestReconnectDisabledSurfacesErrorOnGet(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, b, nil)
	conn := connectClient(t, b, c)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Get()
		errs <- err
	}()

	// Give Get a moment to start, then kill the session
	time.Sleep(50 * time.Millisecond)
	conn.Close()

	select {
	case err := <-errs:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("read error not surfaced")
	}
	assert.False(t, c.Connected())
}

func TestFlushDrainsQueuedPublishes(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, b, nil)
	conn := connectClient(t, b, c)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Publish("t", []byte{byte('0' + i)}, false, encoding.QoS0))
	}
	require.NoError(t, c.Flush())

	for i := 0; i < 3; i++ {
		pub := b.read(conn).(*encoding.PublishPacket)
		assert.Equal(t, []byte{byte('0' + i)}, pub.Payload)
	}
}

func TestBatchPublishFlushesAtScopeEnd(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, b, nil)
	conn := connectClient(t, b, c)

	// Ack every publish the broker sees
	received := make(chan *encoding.PublishPacket, 8)
	go func() {
		for {
			pkt, err := encoding.ReadPacket(conn)
			if err != nil {
				return
			}
			if pub, ok := pkt.(*encoding.PublishPacket); ok {
				received <- pub
				data, _ := encoding.EncodePacket(&encoding.PubackPacket{PacketID: pub.PacketID})
				conn.Write(data)
			}
		}
	}()

	err := c.BatchPublish(func() error {
		if err := c.Publish("batch/a", []byte("1"), false, encoding.QoS1); err != nil {
			return err
		}
		return c.Publish("batch/b", []byte("2"), false, encoding.QoS1)
	})
	require.NoError(t, err)

	topics := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case pub := <-received:
			topics[pub.TopicName] = true
		case <-time.After(3 * time.Second):
			t.Fatal("batched publish not flushed")
		}
	}
	assert.True(t, topics["batch/a"])
	assert.True(t, topics["batch/b"])
}

func TestWithSessionDisconnectsOnExit(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, b, nil)

	done := make(chan error, 1)
	var conn net.Conn
	go func() {
		done <- c.WithSession(func(c *Client) error {
			if err := c.Publish("scoped", []byte("msg"), false, encoding.QoS0); err != nil {
				return err
			}
			return c.Flush()
		})
	}()

	conn = b.accept()
	defer conn.Close()
	b.handshake(conn)

	pub := b.read(conn).(*encoding.PublishPacket)
	assert.Equal(t, "scoped", pub.TopicName)

	require.NoError(t, <-done)
	assert.False(t, c.Connected())

	// The scope exit sends a DISCONNECT before closing the socket
	pkt := b.read(conn)
	assert.Equal(t, encoding.DISCONNECT, pkt.Type())
}

func TestWithSessionOnConnectedClientKeepsSession(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, b, nil)
	conn := connectClient(t, b, c)

	err := c.WithSession(func(c *Client) error {
		if err := c.Publish("scoped", []byte("inner"), false, encoding.QoS0); err != nil {
			return err
		}
		return c.Flush()
	})
	require.NoError(t, err)

	// The scope did not establish the session, so it must not tear it
	// down either
	assert.True(t, c.Connected())

	pub := b.read(conn).(*encoding.PublishPacket)
	assert.Equal(t, "scoped", pub.TopicName)

	// The session still carries traffic after the scope exits
	require.NoError(t, c.Publish("outer", []byte("after"), false, encoding.QoS0))
	require.NoError(t, c.Flush())
	after := b.read(conn).(*encoding.PublishPacket)
	assert.Equal(t, "outer", after.TopicName)
}

func TestConnectTwiceIsNoOp(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, b, nil)
	connectClient(t, b, c)

	require.NoError(t, c.Connect())
	assert.True(t, c.Connected())
}
