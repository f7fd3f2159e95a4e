package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/jessevdk/go-flags"

	"taskd/internal/app"
)

// Version is set at build time via -ldflags.
var Version = "dev"

type options struct {
	Config      string        `short:"c" long:"config" env:"TASKD_CONFIG" default:"./config.yaml" description:"Path to the config file (yaml or json)"`
	LogLevel    string        `long:"log-level" env:"TASKD_LOG_LEVEL" description:"Override logging.level from the config file"`
	StopTimeout time.Duration `long:"stop-timeout" env:"TASKD_STOP_TIMEOUT" default:"45s" description:"Upper bound for a graceful stop"`
	Version     bool          `short:"v" long:"version" description:"Print the version and exit"`
}

func main() {
	var opts options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return
		}
		os.Exit(2)
	}
	if opts.Version {
		fmt.Println("taskd", Version)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	term := make(chan os.Signal, 1)
	signal.Notify(term, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(term)

	a, err := app.New(ctx, opts.Config, app.Options{LogLevel: opts.LogLevel})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stopCtx, stop := context.WithTimeout(context.Background(), opts.StopTimeout)
		_ = a.Stop(stopCtx, app.StopFatalError)
		stop()
		os.Exit(1)
	}
	// Not running under systemd is fine: SdNotify reports false, nil.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	reason := app.StopUnknown

loop:
	for {
		select {
		case <-hup:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReloading)
			if _, err := a.Reload(ctx); err != nil {
				fmt.Fprintln(os.Stderr, "reload:", err)
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
		case s := <-term:
			reason = app.StopSIGTERM
			if s == os.Interrupt {
				reason = app.StopSIGINT
			}
			break loop
		case <-a.Done():
			reason = app.StopFatalError
			break loop
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stop := context.WithTimeout(context.Background(), opts.StopTimeout)
	defer stop()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
