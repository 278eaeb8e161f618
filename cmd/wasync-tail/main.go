// wasync-tail is a development and support tool for the conversation
// synchronization engine: it opens a sync session against the configured
// message log and prints the conversation view as it updates. It can also
// append test messages and run the RabbitMQ ingest bridge standalone.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/leadwire/wasync/pkg/blobstore"
	"github.com/leadwire/wasync/pkg/ingest"
	"github.com/leadwire/wasync/pkg/store/litestore"
	"github.com/leadwire/wasync/pkg/store/pgstore"
	"github.com/leadwire/wasync/pkg/wasync"
)

func main() {
	app := &cli.App{
		Name:    "wasync-tail",
		Usage:   "Inspect and exercise the conversation sync engine",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file",
				Value: "wasync.yaml",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			tailCommand,
			sendCommand,
			ingestCommand,
			exampleConfigCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func makeLogger(ctx *cli.Context) zerolog.Logger {
	level := zerolog.InfoLevel
	if ctx.Bool("debug") {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().Logger()
}

func loadConfig(ctx *cli.Context) (*wasync.Config, error) {
	data, err := os.ReadFile(ctx.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return wasync.LoadConfig(data)
}

type closableStore interface {
	wasync.ConversationStore
	wasync.Appender
	Close() error
}

func openStore(cfg *wasync.Config, log zerolog.Logger) (closableStore, error) {
	switch cfg.Store.Driver {
	case "sqlite", "":
		return litestore.New(cfg.Store.DSN, log)
	case "postgres":
		return pgstore.New(cfg.Store.DSN, log)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

var tailCommand = &cli.Command{
	Name:      "tail",
	Usage:     "Open a session for one conversation and print it as it updates",
	ArgsUsage: "<tenant-id> <conversation-key>",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 2 {
			return fmt.Errorf("usage: tail <tenant-id> <conversation-key>")
		}
		log := makeLogger(ctx)
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		store, err := openStore(cfg, log)
		if err != nil {
			return err
		}
		defer store.Close()
		blobs, err := blobstore.New(cfg.Blobs.Dir, log)
		if err != nil {
			return err
		}

		registry := wasync.NewRegistry(store, blobs, cfg, log)
		defer registry.CloseAll()
		session := registry.Open(ctx.Context, ctx.Args().Get(0), ctx.Args().Get(1))

		updates := make(chan uint64, 16)
		session.OnChange(func(version uint64) {
			select {
			case updates <- version:
			default:
			}
		})

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		for {
			select {
			case <-sigs:
				return nil
			case <-updates:
				printSnapshot(session)
			}
		}
	},
}

func printSnapshot(session *wasync.SyncSession) {
	msgs, version := session.Snapshot()
	fmt.Printf("--- view v%d (%s, %d messages) ---\n", version, session.State(), len(msgs))
	for _, msg := range msgs {
		marker := "<-"
		if msg.Direction == wasync.DirectionOutbound {
			marker = "->"
		}
		line := fmt.Sprintf("%s %s %s", msg.Timestamp.Format(time.DateTime), marker, msg.Text)
		if att := msg.Attachment; att != nil {
			if att.Pending() {
				line += fmt.Sprintf(" [%s: pending]", att.Kind)
			} else {
				line += fmt.Sprintf(" [%s: %s]", att.Kind, att.Locator)
			}
		}
		fmt.Println(line)
	}
}

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Append a test message to the log",
	ArgsUsage: "<tenant-id> <conversation-key> <text>",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "outbound",
			Usage: "Append as an outbound (agent) message",
		},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 3 {
			return fmt.Errorf("usage: send <tenant-id> <conversation-key> <text>")
		}
		log := makeLogger(ctx)
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		store, err := openStore(cfg, log)
		if err != nil {
			return err
		}
		defer store.Close()

		role := "human"
		if ctx.Bool("outbound") {
			role = "ai"
		}
		payload := fmt.Sprintf(`{"type":%q,"content":%q}`, role, ctx.Args().Get(2))
		return store.Append(ctx.Context, wasync.RawMessageRecord{
			ID:              fmt.Sprintf("manual-%d", time.Now().UnixNano()),
			TenantID:        ctx.Args().Get(0),
			IdentityVariant: ctx.Args().Get(1),
			CreatedAt:       time.Now().UTC(),
			Payload:         []byte(payload),
		})
	},
}

var ingestCommand = &cli.Command{
	Name:  "ingest",
	Usage: "Run the RabbitMQ ingest bridge standalone",
	Action: func(ctx *cli.Context) error {
		log := makeLogger(ctx)
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		store, err := openStore(cfg, log)
		if err != nil {
			return err
		}
		defer store.Close()

		consumer, err := ingest.NewConsumer(cfg.Ingest.AMQPURL, cfg.Ingest.Exchange, store, log)
		if err != nil {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		defer consumer.Close()
		if err = consumer.Start(cfg.Ingest.Queue); err != nil {
			return err
		}

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		return nil
	},
}

var exampleConfigCommand = &cli.Command{
	Name:  "example-config",
	Usage: "Print the example config file",
	Action: func(ctx *cli.Context) error {
		fmt.Print(wasync.ExampleConfig)
		return nil
	},
}
