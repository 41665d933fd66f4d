// Package main is the entry point for the ETL service application.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/threatstash/threatstash/cmd/etl-service/daemon"
)

// app is the surface main drives: running the command and reacting to signals.
type app interface {
	Run() error
	UsageError() bool
	Hup() bool
	Quit()
}

func main() {
	a, err := daemon.New()
	if err != nil {
		os.Exit(1)
	}

	os.Exit(run(a))
}

func run(a app) int {
	stop := watchSignals(a)
	defer stop()

	if err := a.Run(); err != nil {
		slog.Error(err.Error())

		if a.UsageError() {
			return 2
		}
		return 1
	}

	return 0
}

// watchSignals quits the app gracefully on SIGINT and SIGTERM, and lets it
// decide on SIGHUP. The returned function detaches the handler and waits for
// it to finish.
func watchSignals(a app) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for sig := range sigs {
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				slog.Info("Interrupted, shutting down gracefully")
				a.Quit()
				return
			case syscall.SIGHUP:
				if a.Hup() {
					a.Quit()
					return
				}
			}
		}
		slog.Debug("Signal channel closed")
	}()

	return func() {
		signal.Stop(sigs)
		close(sigs)
		<-done
	}
}
