package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kerollosy/sndcpy/internal/adb"
)

type fakeBridge struct {
	serial     string
	version    string
	versionErr error
	devices    []adb.Device
	devicesErr error
}

func (f *fakeBridge) Version(ctx context.Context) (string, error) {
	return f.version, f.versionErr
}

func (f *fakeBridge) Devices(ctx context.Context) ([]adb.Device, error) {
	return f.devices, f.devicesErr
}

func (f *fakeBridge) Serial() string {
	return f.serial
}

func newTestRunner(t *testing.T, f *fakeBridge) *Runner {
	t.Helper()
	apk := filepath.Join(t.TempDir(), "sndcpy.apk")
	if err := os.WriteFile(apk, []byte("PK"), 0644); err != nil {
		t.Fatal(err)
	}

	r := New(f, apk, freePort(t))
	r.processes = func() (map[string]bool, error) {
		return map[string]bool{"adb": true}, nil
	}
	r.audioOut = func() (string, error) {
		return "Built-in Output", nil
	}
	return r
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func mustGet(t *testing.T, m *Monitor, name string) Check {
	t.Helper()
	c, ok := m.Get(name)
	if !ok {
		t.Fatalf("check %q missing", name)
	}
	return c
}

func TestRunAllHealthy(t *testing.T) {
	f := &fakeBridge{
		version: "Android Debug Bridge version 1.0.41",
		devices: []adb.Device{{Serial: "emulator-5554", State: "device"}},
	}
	m := newTestRunner(t, f).Run(context.Background())

	if got := m.Overall(); got != Healthy {
		t.Fatalf("Overall() = %q, want healthy; checks: %+v", got, m.All())
	}
	if c := mustGet(t, m, "adb"); !strings.Contains(c.Message, "1.0.41") {
		t.Fatalf("adb check message = %q", c.Message)
	}
	if c := mustGet(t, m, "audio"); !strings.Contains(c.Message, "Built-in Output") {
		t.Fatalf("audio check message = %q", c.Message)
	}
}

func TestRunMissingAdbIsUnhealthy(t *testing.T) {
	f := &fakeBridge{versionErr: fmt.Errorf("adb not found in PATH")}
	m := newTestRunner(t, f).Run(context.Background())

	if c := mustGet(t, m, "adb"); c.Status != Unhealthy {
		t.Fatalf("adb status = %q, want unhealthy", c.Status)
	}
	if m.Overall() != Unhealthy {
		t.Fatalf("Overall() = %q, want unhealthy", m.Overall())
	}
}

func TestRunNoDevices(t *testing.T) {
	f := &fakeBridge{version: "v", devices: nil}
	m := newTestRunner(t, f).Run(context.Background())

	c := mustGet(t, m, "device")
	if c.Status != Unhealthy || !strings.Contains(c.Message, "no devices") {
		t.Fatalf("device check = %+v", c)
	}
}

func TestRunSerialNotFound(t *testing.T) {
	f := &fakeBridge{
		version: "v",
		serial:  "missing-serial",
		devices: []adb.Device{{Serial: "other", State: "device"}},
	}
	m := newTestRunner(t, f).Run(context.Background())

	c := mustGet(t, m, "device")
	if c.Status != Unhealthy || !strings.Contains(c.Message, "missing-serial") {
		t.Fatalf("device check = %+v", c)
	}
}

func TestRunUnauthorizedSerial(t *testing.T) {
	f := &fakeBridge{
		version: "v",
		serial:  "abc",
		devices: []adb.Device{{Serial: "abc", State: "unauthorized"}},
	}
	m := newTestRunner(t, f).Run(context.Background())

	c := mustGet(t, m, "device")
	if c.Status != Unhealthy || !strings.Contains(c.Message, "unauthorized") {
		t.Fatalf("device check = %+v", c)
	}
}

func TestRunMultipleDevicesIsDegraded(t *testing.T) {
	f := &fakeBridge{
		version: "v",
		devices: []adb.Device{
			{Serial: "a", State: "device"},
			{Serial: "b", State: "device"},
		},
	}
	m := newTestRunner(t, f).Run(context.Background())

	c := mustGet(t, m, "device")
	if c.Status != Degraded || !strings.Contains(c.Message, "serial") {
		t.Fatalf("device check = %+v", c)
	}
}

func TestRunMissingApk(t *testing.T) {
	f := &fakeBridge{version: "v", devices: []adb.Device{{Serial: "a", State: "device"}}}
	r := newTestRunner(t, f)
	r.apkPath = filepath.Join(t.TempDir(), "nope.apk")

	m := r.Run(context.Background())
	c := mustGet(t, m, "apk")
	if c.Status != Unhealthy || !strings.Contains(c.Message, "download") {
		t.Fatalf("apk check = %+v", c)
	}
}

func TestRunBusyPortIsDegraded(t *testing.T) {
	f := &fakeBridge{version: "v", devices: []adb.Device{{Serial: "a", State: "device"}}}
	r := newTestRunner(t, f)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	r.port = ln.Addr().(*net.TCPAddr).Port

	m := r.Run(context.Background())
	c := mustGet(t, m, "port")
	if c.Status != Degraded || !strings.Contains(c.Message, "busy") {
		t.Fatalf("port check = %+v", c)
	}
}

func TestRunAdbServerNotRunningIsDegraded(t *testing.T) {
	f := &fakeBridge{version: "v", devices: []adb.Device{{Serial: "a", State: "device"}}}
	r := newTestRunner(t, f)
	r.processes = func() (map[string]bool, error) {
		return map[string]bool{"systemd": true}, nil
	}

	m := r.Run(context.Background())
	c := mustGet(t, m, "adb-server")
	if c.Status != Degraded {
		t.Fatalf("adb-server check = %+v", c)
	}
}

func TestRunAudioProbeFailure(t *testing.T) {
	f := &fakeBridge{version: "v", devices: []adb.Device{{Serial: "a", State: "device"}}}
	r := newTestRunner(t, f)
	r.audioOut = func() (string, error) {
		return "", fmt.Errorf("no output device")
	}

	m := r.Run(context.Background())
	c := mustGet(t, m, "audio")
	if c.Status != Unhealthy || !strings.Contains(c.Message, "no output device") {
		t.Fatalf("audio check = %+v", c)
	}
}
