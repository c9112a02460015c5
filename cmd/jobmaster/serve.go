package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"jobmaster/internal/app"
	"jobmaster/internal/config"
	logx "jobmaster/pkg/logx"
)

const stopTimeout = 30 * time.Second

func serve(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := logx.NewConsole("INFO").With(logx.String("comp", "main"))

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		log.Debug("sd_notify ready sent")
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	reason := app.StopUnknown
loop:
	for {
		select {
		case <-hup:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReloading)
			if err := a.Reload(ctx); err != nil {
				log.Warn("reload on SIGHUP failed", logx.Err(err))
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
		case <-ctx.Done():
			reason = app.StopSIGTERM
			break loop
		case <-a.Done():
			reason = app.StopFatalError
			break loop
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		log.Warn("stop returned error", logx.Err(err))
	}
	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			return err
		}
		return errors.New("app stopped unexpectedly")
	}
	return nil
}

func validate(out io.Writer, cfgPath string) error {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return err
	}
	if err := app.Validate(cfg); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s: ok (%d servers, %d groups, %d categories, %d events)\n",
		cfgPath, len(cfg.Servers), len(cfg.Groups), len(cfg.Categories), len(cfg.Events))
	return err
}
