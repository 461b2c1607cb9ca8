package main

import (
	"os"
	gosignal "os/signal"
	"sync"
	"syscall"

	mobysignal "github.com/moby/sys/signal"
	"github.com/sirupsen/logrus"
)

// trapShutdown runs cleanup exactly once on the first termination signal.
// A second signal exits immediately without waiting for cleanup.
func trapShutdown(cleanup func()) {
	sigc := make(chan os.Signal, 2)
	gosignal.Notify(sigc,
		mobysignal.SignalMap["TERM"],
		mobysignal.SignalMap["INT"],
		mobysignal.SignalMap["QUIT"],
	)

	var once sync.Once
	go func() {
		sig := <-sigc
		logrus.WithField("signal", sig).Info("received termination signal")
		go once.Do(cleanup)

		sig = <-sigc
		logrus.WithField("signal", sig).Warn("forcing exit")
		code := 128
		if s, ok := sig.(syscall.Signal); ok {
			code += int(s)
		}
		os.Exit(code)
	}()
}
