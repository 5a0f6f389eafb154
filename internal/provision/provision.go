// Package provision brings the device-side capture app to a running,
// accessible state: install, permission grant, port forward, launch.
package provision

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kerollosy/sndcpy/internal/logging"
)

var log = logging.L("provision")

// Device-side app constants.
const (
	PackageName    = "com.rom1v.sndcpy"
	MainActivity   = PackageName + "/.MainActivity"
	AbstractSocket = "sndcpy"

	AppOpProjectMedia = "PROJECT_MEDIA"

	notificationSetting = "enabled_notification_listeners"
	serviceMarker       = "RecordService"
)

// ReleasesURL points users at prebuilt APKs when none is found locally.
const ReleasesURL = "https://github.com/rom1v/sndcpy/releases/"

// Phase tracks provisioning progress. Transitions are forward-only; there is
// no rollback path.
type Phase int

const (
	NotInstalled Phase = iota
	Installed
	PermissionRequested
	PortForwarded
	Launched
	MetadataReady
	MetadataUnavailable
)

func (p Phase) String() string {
	switch p {
	case NotInstalled:
		return "not-installed"
	case Installed:
		return "installed"
	case PermissionRequested:
		return "permission-requested"
	case PortForwarded:
		return "port-forwarded"
	case Launched:
		return "launched"
	case MetadataReady:
		return "metadata-ready"
	case MetadataUnavailable:
		return "metadata-unavailable"
	default:
		return "unknown"
	}
}

// Bridge is the device-bridge surface the provisioner drives. *adb.ADB
// implements it.
type Bridge interface {
	Version(ctx context.Context) (string, error)
	State(ctx context.Context) (string, error)
	IsInstalled(ctx context.Context, pkg string) (bool, error)
	Install(ctx context.Context, apkPath string) error
	SetAppOp(ctx context.Context, pkg, op, mode string) error
	Forward(ctx context.Context, local, remote string) error
	StartActivity(ctx context.Context, component string) error
	SecureSetting(ctx context.Context, name string) (string, error)
	ServiceDump(ctx context.Context, pkg string) (string, error)
	Serial() string
}

// CheckEnvironment verifies adb is invocable and the target device is in the
// ready state. Returns the adb version banner for diagnostics. Failures are
// fatal and not retried.
func CheckEnvironment(ctx context.Context, bridge Bridge) (string, error) {
	log.Info("checking adb installation")
	version, err := bridge.Version(ctx)
	if err != nil {
		return "", err
	}
	log.Debug("adb available", "version", version)

	log.Info("checking device connection")
	state, err := bridge.State(ctx)
	if err != nil {
		return version, fmt.Errorf("no device connected: %w", err)
	}
	if !strings.Contains(state, "device") {
		return version, fmt.Errorf("no device connected (state %q)", state)
	}
	if serial := bridge.Serial(); serial != "" {
		log.Info("using device", "serial", serial)
	}
	return version, nil
}

// Options configure a provisioning run.
type Options struct {
	ApkPath string
	Port    int

	// StartupDelay is the pause between launching the app and the first
	// permission check.
	StartupDelay time.Duration

	// PollInterval and PollTimeout bound the notification-permission and
	// service-detection waits.
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// Outcome reports what a provisioning run achieved.
type Outcome struct {
	Phase           Phase
	MetadataEnabled bool
}

type Provisioner struct {
	bridge Bridge
	opts   Options
}

func New(bridge Bridge, opts Options) *Provisioner {
	return &Provisioner{bridge: bridge, opts: opts}
}

// Run walks the app through install, permission grant, port forward and
// launch. Steps are fatal on failure except where marked best-effort, which
// log and continue; their failures surface downstream as a connection
// failure instead.
func (p *Provisioner) Run(ctx context.Context) (*Outcome, error) {
	out := &Outcome{Phase: NotInstalled}

	if _, err := os.Stat(p.opts.ApkPath); err != nil {
		return out, fmt.Errorf("apk not found at %s (download sndcpy.apk from %s): %w", p.opts.ApkPath, ReleasesURL, err)
	}

	installed, err := p.bridge.IsInstalled(ctx, PackageName)
	if err != nil {
		return out, fmt.Errorf("checking installed packages: %w", err)
	}
	if installed {
		log.Info("app already installed", "package", PackageName)
	} else {
		log.Info("installing apk", "path", p.opts.ApkPath)
		if err := p.bridge.Install(ctx, p.opts.ApkPath); err != nil {
			return out, fmt.Errorf("installing %s: %w", p.opts.ApkPath, err)
		}
	}
	out.Phase = Installed

	// Best-effort: some platform versions neither support nor need this.
	log.Info("granting audio capture permission")
	if err := p.bridge.SetAppOp(ctx, PackageName, AppOpProjectMedia, "allow"); err != nil {
		log.Warn("appops grant failed, continuing", "error", err)
	}
	out.Phase = PermissionRequested

	local := fmt.Sprintf("tcp:%d", p.opts.Port)
	remote := "localabstract:" + AbstractSocket
	log.Info("forwarding port", "local", local, "remote", remote)
	if err := p.bridge.Forward(ctx, local, remote); err != nil {
		log.Warn("port forward failed, continuing", "error", err)
	}
	out.Phase = PortForwarded

	log.Info("starting app", "activity", MainActivity)
	if err := p.bridge.StartActivity(ctx, MainActivity); err != nil {
		log.Warn("activity launch failed, continuing", "error", err)
	}
	out.Phase = Launched

	log.Debug("waiting for app startup", "delay", p.opts.StartupDelay)
	if err := sleepCtx(ctx, p.opts.StartupDelay); err != nil {
		return out, err
	}

	if p.notificationPermissionGranted(ctx) {
		log.Info("notification permission already granted")
		out.MetadataEnabled = true
	} else {
		out.MetadataEnabled = p.waitForNotificationPermission(ctx)
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}

	if out.MetadataEnabled {
		out.Phase = MetadataReady
	} else {
		out.Phase = MetadataUnavailable
		log.Warn("notification permission not granted, metadata features disabled")
	}
	return out, nil
}

func (p *Provisioner) notificationPermissionGranted(ctx context.Context) bool {
	log.Info("checking notification permission")
	listeners, err := p.bridge.SecureSetting(ctx, notificationSetting)
	if err != nil {
		log.Debug("notification listener query failed", "error", err)
		return false
	}
	return strings.Contains(listeners, PackageName)
}

// waitForNotificationPermission polls for the listener permission to appear,
// then for the capture service to start. Both waits share the same ceiling;
// a timeout on either is soft and never revokes a grant already observed.
func (p *Provisioner) waitForNotificationPermission(ctx context.Context) bool {
	log.Info("waiting for notification permission", "timeout", p.opts.PollTimeout)
	log.Info("grant notification access on the device when prompted")

	granted := false
	deadline := time.Now().Add(p.opts.PollTimeout)
	for time.Now().Before(deadline) {
		if p.notificationPermissionGranted(ctx) {
			log.Info("notification permission granted")
			granted = true
			break
		}
		if err := sleepCtx(ctx, p.opts.PollInterval); err != nil {
			return granted
		}
	}

	log.Info("waiting for capture service to start")
	detected := false
	deadline = time.Now().Add(p.opts.PollTimeout)
	for time.Now().Before(deadline) {
		dump, err := p.bridge.ServiceDump(ctx, PackageName)
		if err == nil && strings.Contains(dump, serviceMarker) {
			log.Info("capture service detected")
			detected = true
			break
		}
		if err := sleepCtx(ctx, p.opts.PollInterval); err != nil {
			return granted
		}
	}
	if !detected {
		log.Warn("timed out waiting for capture service, continuing anyway")
	}

	return granted
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
