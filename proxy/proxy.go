// Package proxy implements a transparent MQTT TCP proxy: it accepts
// client connections on a local address and pipes control packets to and
// from an upstream broker, optionally passing each packet through a
// rewrite filter per direction.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/axmq/mqttc/encoding"
	"github.com/axmq/mqttc/pkg/logger"
)

// Filter rewrites a packet in flight. Returning nil drops the packet.
type Filter func(encoding.Packet) encoding.Packet

// Config holds the proxy options
type Config struct {
	// ListenAddr is the local address to accept clients on,
	// e.g. "127.0.0.1:11883"
	ListenAddr string

	// BrokerAddr is the upstream broker, e.g. "localhost:1883"
	BrokerAddr string

	// UpFilter sees packets flowing client to broker, DownFilter the
	// reverse direction; either may be nil
	UpFilter   Filter
	DownFilter Filter

	Logger logger.Logger
}

// Proxy is a transparent MQTT proxy. Create one with New and drive it
// with Run; Close stops the accept loop.
type Proxy struct {
	cfg Config
	ln  net.Listener
}

// New creates a proxy listening on cfg.ListenAddr
func New(cfg Config) (*Proxy, error) {
	if cfg.BrokerAddr == "" {
		return nil, fmt.Errorf("proxy: broker address required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("proxy: listen on %s: %w", cfg.ListenAddr, err)
	}

	return &Proxy{cfg: cfg, ln: ln}, nil
}

// Addr returns the bound listen address
func (p *Proxy) Addr() net.Addr {
	return p.ln.Addr()
}

// Close stops the accept loop; established sessions drain on their own
func (p *Proxy) Close() error {
	return p.ln.Close()
}

// Run accepts clients until the context is cancelled or the listener is
// closed. Each accepted client gets its own upstream connection and a
// pair of pump goroutines.
func (p *Proxy) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		p.ln.Close()
	}()

	for {
		conn, err := p.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		go p.serve(ctx, conn)
	}
}

func (p *Proxy) serve(ctx context.Context, client net.Conn) {
	defer client.Close()

	id := uuid.NewString()
	log := p.cfg.Logger

	broker, err := net.Dial("tcp", p.cfg.BrokerAddr)
	if err != nil {
		log.Error("proxy: dial broker failed", "conn", id, "broker", p.cfg.BrokerAddr, "error", err)
		return
	}
	defer broker.Close()

	log.Info("proxy: session open", "conn", id, "client", client.RemoteAddr(), "broker", p.cfg.BrokerAddr)

	// Unblock both pumps when the context ends or the session drains
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		client.Close()
		broker.Close()
	}()

	var g errgroup.Group
	g.Go(func() error {
		defer broker.Close()
		return p.pump(client, broker, p.cfg.UpFilter, id, "up")
	})
	g.Go(func() error {
		defer client.Close()
		return p.pump(broker, client, p.cfg.DownFilter, id, "down")
	})

	err = g.Wait()
	log.Info("proxy: session closed", "conn", id, "error", err)
}

// pump copies packets from src to dst, one at a time, applying the
// direction's filter
func (p *Proxy) pump(src, dst net.Conn, filter Filter, id, direction string) error {
	for {
		pkt, err := encoding.ReadPacket(src)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, encoding.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		if filter != nil {
			pkt = filter(pkt)
			if pkt == nil {
				p.cfg.Logger.Debug("proxy: packet dropped by filter", "conn", id, "direction", direction)
				continue
			}
		}

		data, err := encoding.EncodePacket(pkt)
		if err != nil {
			return err
		}
		if _, err := dst.Write(data); err != nil {
			return err
		}

		p.cfg.Logger.Debug("proxy: packet relayed", "conn", id, "direction", direction, "type", pkt.Type())
	}
}
