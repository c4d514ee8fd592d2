// Command mqttc is a small publish/subscribe/proxy tool built on the
// client and proxy packages.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"syscall"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/axmq/mqttc/client"
	"github.com/axmq/mqttc/encoding"
	"github.com/axmq/mqttc/pkg/logger"
	"github.com/axmq/mqttc/proxy"
)

func main() {
	cmd := &cli.Command{
		Name:  "mqttc",
		Usage: "MQTT 3.1/3.1.1 publish, subscribe and proxy tool",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "broker URI (mqtt://[user:pass@]host[:port] or mqtts://…)",
				Sources: cli.EnvVars(client.EnvServer),
			},
			&cli.StringFlag{
				Name:  "client-id",
				Usage: "client identifier (default: generated)",
			},
			&cli.StringFlag{
				Name:  "username",
				Usage: "broker username",
			},
			&cli.StringFlag{
				Name:  "password",
				Usage: "broker password (prompted when username is set and this is omitted)",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log session activity",
			},
		},
		Commands: []*cli.Command{
			pubCommand,
			subCommand,
			proxyCommand,
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

var pubCommand = &cli.Command{
	Name:  "pub",
	Usage: "Publish a message to a topic",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "topic", Usage: "topic to publish to", Required: true},
		&cli.StringFlag{Name: "message", Usage: "payload to publish", Required: true},
		&cli.IntFlag{Name: "qos", Usage: "quality of service (0-2)"},
		&cli.BoolFlag{Name: "retain", Usage: "set the retain flag"},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		return c.WithSession(func(c *client.Client) error {
			return c.Publish(
				cmd.String("topic"),
				[]byte(cmd.String("message")),
				cmd.Bool("retain"),
				encoding.QoS(cmd.Int("qos")),
			)
		})
	},
}

var subCommand = &cli.Command{
	Name:  "sub",
	Usage: "Subscribe to topics and print received messages",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "topic", Usage: "topic filter (repeatable)", Required: true},
		&cli.IntFlag{Name: "qos", Usage: "requested quality of service (0-2)"},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		return c.WithSession(func(c *client.Client) error {
			filters := make(map[string]encoding.QoS)
			for _, topic := range cmd.StringSlice("topic") {
				filters[topic] = encoding.QoS(cmd.Int("qos"))
			}
			if err := c.Subscribe(filters, true); err != nil {
				return err
			}

			return c.Each(func(pub *encoding.PublishPacket) {
				fmt.Printf("%s: %s\n", pub.TopicName, pub.Payload)
			})
		})
	},
}

var proxyCommand = &cli.Command{
	Name:  "proxy",
	Usage: "Run a transparent MQTT proxy in front of a broker",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "listen", Usage: "local address to accept clients on", Value: "127.0.0.1:11883"},
		&cli.StringFlag{Name: "broker", Usage: "upstream broker address", Required: true},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		p, err := proxy.New(proxy.Config{
			ListenAddr: cmd.String("listen"),
			BrokerAddr: cmd.String("broker"),
			Logger:     newLogger(cmd),
		})
		if err != nil {
			return err
		}

		fmt.Printf("proxying %s -> %s\n", p.Addr(), cmd.String("broker"))
		return p.Run(ctx)
	},
}

// newClient assembles a client from the global flags
func newClient(cmd *cli.Command) (*client.Client, error) {
	cfg := client.DefaultConfig()
	cfg.Logger = newLogger(cmd)

	if server := cmd.String("server"); server != "" {
		if err := cfg.ApplyURL(server); err != nil {
			return nil, err
		}
	}

	if id := cmd.String("client-id"); id != "" {
		cfg.ClientID = id
	} else {
		cfg.ClientID = "mqttc-" + uuid.NewString()[:8]
	}

	if username := cmd.String("username"); username != "" {
		cfg.Username = username
	}
	if password := cmd.String("password"); password != "" {
		cfg.Password = password
	} else if cfg.Username != "" && cfg.Password == "" {
		password, err := promptPassword("Password: ")
		if err != nil {
			return nil, err
		}
		cfg.Password = password
	}

	return client.NewClient(cfg)
}

func newLogger(cmd *cli.Command) logger.Logger {
	if cmd.Bool("verbose") {
		return logger.NewSlogLogger(slog.LevelDebug, os.Stderr)
	}
	return logger.Nop()
}

// promptPassword reads a password without echo when stdin is a terminal
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	if term.IsTerminal(int(syscall.Stdin)) {
		password, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(password), nil
	}

	var password string
	_, err := fmt.Fscanln(os.Stdin, &password)
	return password, err
}
