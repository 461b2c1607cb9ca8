package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mystilabs/mysti/daemon"
	"github.com/mystilabs/mysti/daemon/config"
	"github.com/mystilabs/mysti/pkg/pidfile"
)

func runDaemon(opts *daemonOptions) error {
	cfg, err := loadDaemonConfig(opts)
	if err != nil {
		return err
	}

	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if cfg.Pidfile != "" {
		if err := pidfile.Write(cfg.Pidfile, os.Getpid()); err != nil {
			return errors.Wrap(err, "writing pidfile")
		}
		defer func() {
			if err := os.Remove(cfg.Pidfile); err != nil {
				logrus.WithError(err).Warn("removing pidfile failed")
			}
		}()
	}

	d, err := daemon.NewDaemon(cfg, nil)
	if err != nil {
		return err
	}

	ctx := context.Background()
	trapShutdown(func() {
		d.Shutdown(ctx)
	})

	if err := d.Start(ctx, os.Args); err != nil {
		d.Shutdown(ctx)
		return err
	}

	<-d.Done()
	return nil
}

// loadDaemonConfig layers the optional JSON configuration file under the
// command-line flags.
func loadDaemonConfig(opts *daemonOptions) (*config.Config, error) {
	if opts.configFile == "" {
		return opts.config, nil
	}
	cfg, err := config.MergeConfigurations(opts.config, opts.flags, opts.configFile)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
