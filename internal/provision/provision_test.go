package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeBridge records invocations and replays scripted responses. Successive
// SecureSetting/ServiceDump values are consumed one per call, repeating the
// last.
type fakeBridge struct {
	serial string

	version    string
	versionErr error
	state      string
	stateErr   error

	installed    bool
	installedErr error
	installErr   error
	appOpErr     error
	forwardErr   error
	startErr     error

	listeners   []string
	serviceDump []string

	calls []string
}

func (f *fakeBridge) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeBridge) count(prefix string) int {
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeBridge) Version(ctx context.Context) (string, error) {
	f.record("version")
	return f.version, f.versionErr
}

func (f *fakeBridge) State(ctx context.Context) (string, error) {
	f.record("get-state")
	return f.state, f.stateErr
}

func (f *fakeBridge) IsInstalled(ctx context.Context, pkg string) (bool, error) {
	f.record("pm-list %s", pkg)
	return f.installed, f.installedErr
}

func (f *fakeBridge) Install(ctx context.Context, apkPath string) error {
	f.record("install %s", apkPath)
	return f.installErr
}

func (f *fakeBridge) SetAppOp(ctx context.Context, pkg, op, mode string) error {
	f.record("appops %s %s %s", pkg, op, mode)
	return f.appOpErr
}

func (f *fakeBridge) Forward(ctx context.Context, local, remote string) error {
	f.record("forward %s %s", local, remote)
	return f.forwardErr
}

func (f *fakeBridge) StartActivity(ctx context.Context, component string) error {
	f.record("am-start %s", component)
	return f.startErr
}

func (f *fakeBridge) SecureSetting(ctx context.Context, name string) (string, error) {
	f.record("secure %s", name)
	if len(f.listeners) == 0 {
		return "", nil
	}
	v := f.listeners[0]
	if len(f.listeners) > 1 {
		f.listeners = f.listeners[1:]
	}
	return v, nil
}

func (f *fakeBridge) ServiceDump(ctx context.Context, pkg string) (string, error) {
	f.record("dumpsys %s", pkg)
	if len(f.serviceDump) == 0 {
		return "", nil
	}
	v := f.serviceDump[0]
	if len(f.serviceDump) > 1 {
		f.serviceDump = f.serviceDump[1:]
	}
	return v, nil
}

func (f *fakeBridge) Serial() string {
	return f.serial
}

func writeTestApk(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sndcpy.apk")
	if err := os.WriteFile(path, []byte("PK"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testOptions(apk string) Options {
	return Options{
		ApkPath:      apk,
		Port:         28200,
		StartupDelay: 0,
		PollInterval: time.Millisecond,
		PollTimeout:  50 * time.Millisecond,
	}
}

func TestCheckEnvironmentReportsMissingAdb(t *testing.T) {
	f := &fakeBridge{versionErr: fmt.Errorf("adb not found in PATH")}
	_, err := CheckEnvironment(context.Background(), f)
	if err == nil {
		t.Fatal("expected error when adb is missing")
	}
	if !strings.Contains(err.Error(), "not found in PATH") {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.calls) != 1 || f.calls[0] != "version" {
		t.Fatalf("expected only the version probe, got calls: %v", f.calls)
	}
}

func TestCheckEnvironmentRejectsNonReadyDevice(t *testing.T) {
	f := &fakeBridge{version: "Android Debug Bridge version 1.0.41", state: "offline"}
	_, err := CheckEnvironment(context.Background(), f)
	if err == nil {
		t.Fatal("expected error for offline device")
	}
	if !strings.Contains(err.Error(), "no device connected") {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.count("install") != 0 || f.count("forward") != 0 || f.count("am-start") != 0 {
		t.Fatalf("no provisioning calls expected for a non-ready device, got: %v", f.calls)
	}
}

func TestCheckEnvironmentAcceptsReadyDevice(t *testing.T) {
	f := &fakeBridge{version: "Android Debug Bridge version 1.0.41", state: "device", serial: "emulator-5554"}
	version, err := CheckEnvironment(context.Background(), f)
	if err != nil {
		t.Fatalf("CheckEnvironment() error: %v", err)
	}
	if version != "Android Debug Bridge version 1.0.41" {
		t.Fatalf("unexpected version: %q", version)
	}
}

func TestRunFailsWithoutApk(t *testing.T) {
	f := &fakeBridge{}
	p := New(f, testOptions(filepath.Join(t.TempDir(), "missing.apk")))

	out, err := p.Run(context.Background())
	if err == nil {
		t.Fatal("expected error for missing apk")
	}
	if !strings.Contains(err.Error(), ReleasesURL) {
		t.Fatalf("expected download guidance in error, got: %v", err)
	}
	if out.Phase != NotInstalled {
		t.Fatalf("Phase = %v, want not-installed", out.Phase)
	}
	if len(f.calls) != 0 {
		t.Fatalf("bridge should not be invoked before apk check, got calls: %v", f.calls)
	}
}

func TestRunSkipsInstallWhenAlreadyPresent(t *testing.T) {
	f := &fakeBridge{installed: true, listeners: []string{PackageName + "/.MetaNotificationListener"}}
	p := New(f, testOptions(writeTestApk(t)))

	out, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if f.count("install") != 0 {
		t.Fatalf("expected no install for already-present app, calls: %v", f.calls)
	}
	if out.Phase != MetadataReady {
		t.Fatalf("Phase = %v, want metadata-ready", out.Phase)
	}
}

func TestRunInstallsWhenAbsent(t *testing.T) {
	apk := writeTestApk(t)
	f := &fakeBridge{installed: false, listeners: []string{PackageName}}
	p := New(f, testOptions(apk))

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if f.count("install "+apk) != 1 {
		t.Fatalf("expected one install call, calls: %v", f.calls)
	}
}

func TestRunInstallFailureIsFatal(t *testing.T) {
	f := &fakeBridge{installErr: fmt.Errorf("INSTALL_FAILED_OLDER_SDK")}
	p := New(f, testOptions(writeTestApk(t)))

	out, err := p.Run(context.Background())
	if err == nil {
		t.Fatal("expected install failure to be fatal")
	}
	if !strings.Contains(err.Error(), "INSTALL_FAILED_OLDER_SDK") {
		t.Fatalf("expected install diagnostic, got: %v", err)
	}
	if out.Phase != NotInstalled {
		t.Fatalf("Phase = %v, want not-installed", out.Phase)
	}
}

func TestRunBestEffortFailuresContinue(t *testing.T) {
	f := &fakeBridge{
		installed:  true,
		appOpErr:   fmt.Errorf("appops not supported"),
		forwardErr: fmt.Errorf("port already in use"),
		startErr:   fmt.Errorf("activity not found"),
		listeners:  []string{PackageName},
	}
	p := New(f, testOptions(writeTestApk(t)))

	out, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("best-effort failures must not abort the run: %v", err)
	}
	if out.Phase != MetadataReady {
		t.Fatalf("Phase = %v, want metadata-ready", out.Phase)
	}
}

func TestRunForwardsExpectedSockets(t *testing.T) {
	f := &fakeBridge{installed: true, listeners: []string{PackageName}}
	p := New(f, testOptions(writeTestApk(t)))

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if f.count("forward tcp:28200 localabstract:sndcpy") != 1 {
		t.Fatalf("expected forward to tcp:28200/localabstract:sndcpy, calls: %v", f.calls)
	}
	if f.count("am-start "+MainActivity) != 1 {
		t.Fatalf("expected activity launch, calls: %v", f.calls)
	}
	if f.count("appops "+PackageName+" "+AppOpProjectMedia+" allow") != 1 {
		t.Fatalf("expected appops grant, calls: %v", f.calls)
	}
}

func TestRunFastPathSkipsServicePoll(t *testing.T) {
	f := &fakeBridge{installed: true, listeners: []string{PackageName + "/.MetaNotificationListener"}}
	p := New(f, testOptions(writeTestApk(t)))

	out, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !out.MetadataEnabled {
		t.Fatal("expected metadata enabled on fast path")
	}
	if f.count("dumpsys") != 0 {
		t.Fatalf("service poll should not run when permission is pre-granted, calls: %v", f.calls)
	}
}

func TestRunPollsUntilPermissionAppears(t *testing.T) {
	f := &fakeBridge{
		installed:   true,
		listeners:   []string{"", "", PackageName + "/.MetaNotificationListener"},
		serviceDump: []string{"  * ServiceRecord{abc " + PackageName + "/.RecordService}"},
	}
	p := New(f, testOptions(writeTestApk(t)))

	out, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !out.MetadataEnabled {
		t.Fatal("expected metadata enabled after permission appears")
	}
	if out.Phase != MetadataReady {
		t.Fatalf("Phase = %v, want metadata-ready", out.Phase)
	}
	if f.count("secure") < 3 {
		t.Fatalf("expected repeated permission polling, calls: %v", f.calls)
	}
	if f.count("dumpsys") == 0 {
		t.Fatal("expected service poll on slow path")
	}
}

func TestRunSoftTimeoutDisablesMetadata(t *testing.T) {
	f := &fakeBridge{installed: true}
	opts := testOptions(writeTestApk(t))
	opts.PollTimeout = 10 * time.Millisecond
	p := New(f, opts)

	out, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("soft timeout must not be fatal: %v", err)
	}
	if out.MetadataEnabled {
		t.Fatal("expected metadata disabled after timeout")
	}
	if out.Phase != MetadataUnavailable {
		t.Fatalf("Phase = %v, want metadata-unavailable", out.Phase)
	}
}

func TestRunPropagatesCancellation(t *testing.T) {
	f := &fakeBridge{installed: true}
	opts := testOptions(writeTestApk(t))
	opts.StartupDelay = time.Second
	p := New(f, opts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Run(ctx)
	if err != context.Canceled {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}

func TestPhaseString(t *testing.T) {
	phases := map[Phase]string{
		NotInstalled:        "not-installed",
		Installed:           "installed",
		PermissionRequested: "permission-requested",
		PortForwarded:       "port-forwarded",
		Launched:            "launched",
		MetadataReady:       "metadata-ready",
		MetadataUnavailable: "metadata-unavailable",
		Phase(99):           "unknown",
	}
	for p, want := range phases {
		if p.String() != want {
			t.Fatalf("Phase(%d).String() = %q, want %q", int(p), p.String(), want)
		}
	}
}
