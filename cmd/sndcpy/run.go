package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kerollosy/sndcpy/internal/adb"
	"github.com/kerollosy/sndcpy/internal/audio"
	"github.com/kerollosy/sndcpy/internal/logging"
	"github.com/kerollosy/sndcpy/internal/provision"
	"github.com/kerollosy/sndcpy/internal/session"
	"github.com/kerollosy/sndcpy/internal/stream"
)

var log = logging.L("main")

// runStream drives a full run: environment check, app provisioning, stream
// connect, playback. Interrupts and device disconnects end the run cleanly;
// only precondition and connection failures return an error.
func runStream(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The session is created last; the signal handler finds it through the
	// pointer once streaming is about to start.
	var active atomic.Pointer[session.Session]

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			log.Info("interrupted, shutting down")
			// A second ctrl+c kills the process outright.
			signal.Stop(sigCh)
			cancel()
			if s := active.Load(); s != nil {
				s.Shutdown()
			}
		case <-ctx.Done():
		}
	}()

	bridge := adb.New(cfg.Serial)
	if _, err := provision.CheckEnvironment(ctx, bridge); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	logDeviceIdentity(ctx, bridge)

	prov := provision.New(bridge, provision.Options{
		ApkPath:      cfg.Apk,
		Port:         cfg.Port,
		StartupDelay: time.Duration(cfg.StartupDelaySeconds) * time.Second,
		PollInterval: time.Duration(cfg.PermissionPollIntervalSeconds) * time.Second,
		PollTimeout:  time.Duration(cfg.PermissionPollTimeoutSeconds) * time.Second,
	})
	out, err := prov.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	log.Debug("provisioned", "phase", out.Phase, "metadata", out.MetadataEnabled)

	conn, err := stream.Connect(ctx, cfg.Port, time.Duration(cfg.ConnectTimeoutSeconds)*time.Second)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	player, err := audio.Open()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open audio output: %w", err)
	}

	sess := session.New(conn, player)
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			log.Warn("teardown", "error", cerr)
		}
	}()

	active.Store(sess)
	if ctx.Err() != nil {
		// The interrupt may have landed before the handler saw the session.
		return nil
	}

	if err := sess.Stream(); err != nil {
		// Socket and playback errors end the run without a non-zero exit.
		log.Error("stream ended", "error", err)
	}
	return nil
}

// logDeviceIdentity records which device we are talking to. Best-effort,
// diagnostics only.
func logDeviceIdentity(ctx context.Context, bridge *adb.ADB) {
	manufacturer, err := bridge.Getprop(ctx, "ro.product.manufacturer")
	if err != nil {
		log.Debug("device identity unavailable", "error", err)
		return
	}
	model, _ := bridge.Getprop(ctx, "ro.product.model")
	release, _ := bridge.Getprop(ctx, "ro.build.version.release")
	log.Info("device", "manufacturer", manufacturer, "model", model, "android", release)
}
