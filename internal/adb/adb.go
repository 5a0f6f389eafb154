// Package adb drives the Android Debug Bridge command-line tool. Every
// device-targeted call is scoped with -s when a serial is configured;
// server-wide calls (version, devices) are not.
package adb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/kerollosy/sndcpy/internal/logging"
)

var log = logging.L("adb")

// MaxOutputSize is the maximum size of stdout/stderr to capture per call.
const MaxOutputSize = 1024 * 1024 // 1MB

// Result holds the captured output of one invocation that started
// successfully, whatever its exit code.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

func (r Result) Ok() bool {
	return r.ExitCode == 0
}

// Detail returns the most useful diagnostic text from the output, preferring
// stderr where adb reports its errors.
func (r Result) Detail() string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(r.Stdout)
}

// runFunc starts the executable and captures its output. A non-nil error
// means the process could not be started at all; a process that ran and
// exited non-zero is reported through Result.ExitCode with a nil error.
type runFunc func(ctx context.Context, exe string, args []string) (Result, error)

// ADB invokes the adb executable from PATH.
type ADB struct {
	exe    string
	serial string
	run    runFunc
}

func New(serial string) *ADB {
	return &ADB{exe: "adb", serial: serial, run: execRun}
}

// Serial returns the device serial this instance targets ("" = default device).
func (a *ADB) Serial() string {
	return a.serial
}

func (a *ADB) scoped(rest ...string) []string {
	if a.serial == "" {
		return rest
	}
	return append([]string{"-s", a.serial}, rest...)
}

func (a *ADB) exec(ctx context.Context, args []string) (Result, error) {
	start := time.Now()
	res, err := a.run(ctx, a.exe, args)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return res, fmt.Errorf("%s not found in PATH (install Android platform-tools): %w", a.exe, err)
		}
		return res, fmt.Errorf("%s %s: %w", a.exe, strings.Join(args, " "), err)
	}
	log.Debug("ran",
		"args", strings.Join(args, " "),
		"exitCode", res.ExitCode,
		logging.KeyDurationMs, time.Since(start).Milliseconds(),
		"stdout", strings.TrimSpace(res.Stdout),
		"stderr", strings.TrimSpace(res.Stderr),
	)
	return res, nil
}

func (a *ADB) command(ctx context.Context, rest ...string) (Result, error) {
	return a.exec(ctx, a.scoped(rest...))
}

// Version returns the adb version banner, verifying the binary is invocable.
func (a *ADB) Version(ctx context.Context) (string, error) {
	res, err := a.exec(ctx, []string{"version"})
	if err != nil {
		return "", err
	}
	if !res.Ok() {
		return "", fmt.Errorf("adb version failed: %s", res.Detail())
	}
	line := res.Stdout
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line), nil
}

// State reports the connection state of the target device, such as "device",
// "offline" or "unauthorized". A device that is missing entirely surfaces as
// an error carrying adb's own diagnostic.
func (a *ADB) State(ctx context.Context) (string, error) {
	res, err := a.command(ctx, "get-state")
	if err != nil {
		return "", err
	}
	if !res.Ok() {
		return "", fmt.Errorf("adb get-state: %s", res.Detail())
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Device is one row of `adb devices -l` output.
type Device struct {
	Serial      string
	State       string
	Description string
}

// Devices lists all devices known to the local adb server.
func (a *ADB) Devices(ctx context.Context) ([]Device, error) {
	res, err := a.exec(ctx, []string{"devices", "-l"})
	if err != nil {
		return nil, err
	}
	if !res.Ok() {
		return nil, fmt.Errorf("adb devices: %s", res.Detail())
	}
	return parseDevices(res.Stdout), nil
}

func parseDevices(out string) []Device {
	var devices []Device
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		devices = append(devices, Device{
			Serial:      fields[0],
			State:       fields[1],
			Description: strings.Join(fields[2:], " "),
		})
	}
	return devices
}

// Shell runs a command on the device through `adb shell`.
func (a *ADB) Shell(ctx context.Context, cmdArgs ...string) (Result, error) {
	return a.command(ctx, append([]string{"shell"}, cmdArgs...)...)
}

// IsInstalled reports whether the given package is present on the device.
func (a *ADB) IsInstalled(ctx context.Context, pkg string) (bool, error) {
	res, err := a.Shell(ctx, "pm", "list", "packages", pkg)
	if err != nil {
		return false, err
	}
	if !res.Ok() {
		return false, fmt.Errorf("pm list packages: %s", res.Detail())
	}
	return strings.Contains(res.Stdout, pkg), nil
}

// Install installs the APK, replacing an existing install and granting
// runtime permissions (-t -r -g).
func (a *ADB) Install(ctx context.Context, apkPath string) error {
	res, err := a.command(ctx, "install", "-t", "-r", "-g", apkPath)
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("adb install %s: %s", apkPath, res.Detail())
	}
	return nil
}

// SetAppOp sets an appops mode for the package, e.g. PROJECT_MEDIA allow.
func (a *ADB) SetAppOp(ctx context.Context, pkg, op, mode string) error {
	res, err := a.Shell(ctx, "appops", "set", pkg, op, mode)
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("appops set %s %s %s: %s", pkg, op, mode, res.Detail())
	}
	return nil
}

// Forward maps a local socket spec to a device socket spec, e.g. "tcp:28200"
// to "localabstract:sndcpy".
func (a *ADB) Forward(ctx context.Context, local, remote string) error {
	res, err := a.command(ctx, "forward", local, remote)
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("adb forward %s %s: %s", local, remote, res.Detail())
	}
	return nil
}

// StartActivity launches an activity component via the activity manager.
func (a *ADB) StartActivity(ctx context.Context, component string) error {
	res, err := a.Shell(ctx, "am", "start", component)
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("am start %s: %s", component, res.Detail())
	}
	return nil
}

// SecureSetting reads a value from the secure settings namespace.
func (a *ADB) SecureSetting(ctx context.Context, name string) (string, error) {
	res, err := a.Shell(ctx, "settings", "get", "secure", name)
	if err != nil {
		return "", err
	}
	if !res.Ok() {
		return "", fmt.Errorf("settings get secure %s: %s", name, res.Detail())
	}
	return strings.TrimSpace(res.Stdout), nil
}

// ServiceDump returns the activity-manager service dump for the package.
func (a *ADB) ServiceDump(ctx context.Context, pkg string) (string, error) {
	res, err := a.Shell(ctx, "dumpsys", "activity", "services", pkg)
	if err != nil {
		return "", err
	}
	if !res.Ok() {
		return "", fmt.Errorf("dumpsys activity services %s: %s", pkg, res.Detail())
	}
	return res.Stdout, nil
}

// Getprop reads a device system property.
func (a *ADB) Getprop(ctx context.Context, name string) (string, error) {
	res, err := a.Shell(ctx, "getprop", name)
	if err != nil {
		return "", err
	}
	if !res.Ok() {
		return "", fmt.Errorf("getprop %s: %s", name, res.Detail())
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Logcat streams device logs to w until ctx is canceled. Extra args are
// passed through to logcat (filter specs, format flags).
func (a *ADB) Logcat(ctx context.Context, w io.Writer, extra ...string) error {
	args := a.scoped(append([]string{"logcat"}, extra...)...)
	cmd := exec.CommandContext(ctx, a.exe, args...)
	cmd.Stdout = w
	cmd.Stderr = w

	log.Debug("streaming", "args", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%s not found in PATH (install Android platform-tools): %w", a.exe, err)
		}
		return fmt.Errorf("adb logcat: %w", err)
	}
	return nil
}

func execRun(ctx context.Context, exe string, args []string) (Result, error) {
	cmd := exec.CommandContext(ctx, exe, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{buf: &stdout, limit: MaxOutputSize}
	cmd.Stderr = &limitedWriter{buf: &stderr, limit: MaxOutputSize}

	err := cmd.Run()

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		res.ExitCode = -1
		return res, err
	}
	return res, nil
}

// limitedWriter wraps a buffer with a size limit.
type limitedWriter struct {
	buf     *bytes.Buffer
	limit   int
	written int
}

func (w *limitedWriter) Write(p []byte) (n int, err error) {
	total := len(p)
	if w.written >= w.limit {
		// Discard additional data but don't error
		return total, nil
	}

	remaining := w.limit - w.written
	if len(p) > remaining {
		p = p[:remaining]
	}

	n, err = w.buf.Write(p)
	w.written += n
	return total, err // Report the full length to avoid short write errors
}
