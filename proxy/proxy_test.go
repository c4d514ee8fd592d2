package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axmq/mqttc/encoding"
)

// startBroker returns a listener whose accepted connections are
// delivered on the channel
func startBroker(t *testing.T) (net.Listener, chan net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	conns := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- conn
		}
	}()

	return ln, conns
}

func startProxy(t *testing.T, brokerAddr string, up, down Filter) *Proxy {
	t.Helper()

	p, err := New(Config{
		ListenAddr: "127.0.0.1:0",
		BrokerAddr: brokerAddr,
		UpFilter:   up,
		DownFilter: down,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	t.Cleanup(func() {
		cancel()
		p.Close()
	})

	return p
}

func readPacket(t *testing.T, conn net.Conn) encoding.Packet {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	pkt, err := encoding.ReadPacket(conn)
	require.NoError(t, err)
	return pkt
}

func sendPacket(t *testing.T, conn net.Conn, p encoding.Packet) {
	t.Helper()
	data, err := encoding.EncodePacket(p)
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)
}

func TestProxyRelaysBothDirections(t *testing.T) {
	ln, brokerConns := startBroker(t)
	p := startProxy(t, ln.Addr().String(), nil, nil)

	client, err := net.Dial("tcp", p.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	sendPacket(t, client, &encoding.ConnectPacket{
		ProtocolVersion: encoding.Version311,
		CleanSession:    true,
		ClientID:        "via-proxy",
	})

	var broker net.Conn
	select {
	case broker = <-brokerConns:
	case <-time.After(5 * time.Second):
		t.Fatal("proxy did not dial the broker")
	}
	defer broker.Close()

	connect := readPacket(t, broker).(*encoding.ConnectPacket)
	assert.Equal(t, "via-proxy", connect.ClientID)

	sendPacket(t, broker, &encoding.ConnackPacket{})

	connack := readPacket(t, client)
	assert.Equal(t, encoding.CONNACK, connack.Type())
}

func TestProxyUpFilterRewritesPackets(t *testing.T) {
	ln, brokerConns := startBroker(t)

	rewrite := func(pkt encoding.Packet) encoding.Packet {
		if pub, ok := pkt.(*encoding.PublishPacket); ok {
			pub.TopicName = "rewritten/" + pub.TopicName
		}
		return pkt
	}
	p := startProxy(t, ln.Addr().String(), rewrite, nil)

	client, err := net.Dial("tcp", p.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	sendPacket(t, client, &encoding.PublishPacket{TopicName: "data", Payload: []byte("x")})

	broker := <-brokerConns
	defer broker.Close()

	pub := readPacket(t, broker).(*encoding.PublishPacket)
	assert.Equal(t, "rewritten/data", pub.TopicName)
}

func TestProxyFilterDropsPackets(t *testing.T) {
	ln, brokerConns := startBroker(t)

	drop := func(pkt encoding.Packet) encoding.Packet {
		if pkt.Type() == encoding.PINGREQ {
			return nil
		}
		return pkt
	}
	p := startProxy(t, ln.Addr().String(), drop, nil)

	client, err := net.Dial("tcp", p.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	sendPacket(t, client, &encoding.PingreqPacket{})
	sendPacket(t, client, &encoding.DisconnectPacket{})

	broker := <-brokerConns
	defer broker.Close()

	// The ping was dropped; the first packet through is the disconnect
	pkt := readPacket(t, broker)
	assert.Equal(t, encoding.DISCONNECT, pkt.Type())
}

func TestProxyRequiresBrokerAddr(t *testing.T) {
	_, err := New(Config{ListenAddr: "127.0.0.1:0"})
	assert.Error(t, err)
}
