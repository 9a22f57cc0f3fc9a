// Command dhtnode runs a standalone Mainline DHT node: it binds a UDP
// port, bootstraps against the nodes given with --bootstrap or in the
// config file, and logs routing
// table and peer-store activity until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/opd-ai/mldht/node"
)

func main() {
	app := &cli.App{
		Name:  "dhtnode",
		Usage: "run a Mainline DHT (BEP-5) node",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "port",
				Usage: "local UDP port (0 = OS-assigned)",
				Value: 0,
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a YAML config file (overrides --port and bootstrap defaults)",
			},
			&cli.StringSliceFlag{
				Name:  "bootstrap",
				Usage: "host:port of a bootstrap node; may be repeated",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "logrus level: trace, debug, info, warn, error",
				Value: "info",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("dhtnode exited with error")
	}
}

func run(c *cli.Context) error {
	level, err := logrus.ParseLevel(c.String("log-level"))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	n, err := node.Create(cfg)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	defer n.Close()

	n.OnEvent(func(ev node.Event) {
		switch ev.Kind {
		case node.EventListening:
			logrus.WithField("addr", ev.Addr).Info("listening")
		case node.EventPeerNew:
			logrus.WithFields(logrus.Fields{
				"infohash": ev.InfoHash.String(),
				"addr":     ev.PeerAddr.String(),
			}).Info("peer announced")
		case node.EventPeerDelete:
			logrus.WithFields(logrus.Fields{
				"infohash": ev.InfoHash.String(),
				"addr":     ev.PeerAddr.String(),
			}).Info("peer expired")
		case node.EventError:
			logrus.WithError(ev.Err).Warn("node error")
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	n.Bootstrap(ctx)

	logrus.WithField("self", n.SelfID().String()).Info("node running; press ctrl-c to stop")
	<-ctx.Done()
	logrus.Info("shutting down")
	return nil
}

func loadConfig(c *cli.Context) (*node.Config, error) {
	if path := c.String("config"); path != "" {
		return node.LoadConfig(path)
	}

	cfg := node.DefaultConfig()
	cfg.Port = c.Int("port")
	cfg.BootstrapNodes = c.StringSlice("bootstrap")
	return cfg, nil
}
