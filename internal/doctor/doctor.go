// Package doctor runs preflight diagnostics: adb availability, device
// state, APK presence, local port, and audio output.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/kerollosy/sndcpy/internal/adb"
	"github.com/kerollosy/sndcpy/internal/audio"
	"github.com/kerollosy/sndcpy/internal/logging"
	"github.com/kerollosy/sndcpy/internal/provision"
)

var log = logging.L("doctor")

// Bridge is the adb surface the diagnostics need. *adb.ADB implements it.
type Bridge interface {
	Version(ctx context.Context) (string, error)
	Devices(ctx context.Context) ([]adb.Device, error)
	Serial() string
}

// Runner executes the diagnostic checks and collects their results.
type Runner struct {
	bridge  Bridge
	apkPath string
	port    int

	monitor   *Monitor
	processes func() (map[string]bool, error)
	audioOut  func() (string, error)
}

func New(bridge Bridge, apkPath string, port int) *Runner {
	return &Runner{
		bridge:    bridge,
		apkPath:   apkPath,
		port:      port,
		monitor:   NewMonitor(),
		processes: processNames,
		audioOut:  audio.Probe,
	}
}

// Run executes all checks and returns the collected results.
func (r *Runner) Run(ctx context.Context) *Monitor {
	r.checkBridge(ctx)
	r.checkServer()
	r.checkDevice(ctx)
	r.checkApk()
	r.checkPort()
	r.checkAudio()

	log.Debug("diagnostics complete", "overall", string(r.monitor.Overall()))
	return r.monitor
}

func (r *Runner) checkBridge(ctx context.Context) {
	version, err := r.bridge.Version(ctx)
	if err != nil {
		r.monitor.Update("adb", Unhealthy, err.Error())
		return
	}
	r.monitor.Update("adb", Healthy, version)
}

func (r *Runner) checkServer() {
	names, err := r.processes()
	if err != nil {
		r.monitor.Update("adb-server", Degraded, fmt.Sprintf("process scan failed: %v", err))
		return
	}
	if names["adb"] || names["adb.exe"] {
		r.monitor.Update("adb-server", Healthy, "adb server process running")
	} else {
		r.monitor.Update("adb-server", Degraded, "adb server not running (it starts on first use)")
	}
}

func (r *Runner) checkDevice(ctx context.Context) {
	devices, err := r.bridge.Devices(ctx)
	if err != nil {
		r.monitor.Update("device", Unhealthy, err.Error())
		return
	}
	if len(devices) == 0 {
		r.monitor.Update("device", Unhealthy, "no devices detected")
		return
	}

	if serial := r.bridge.Serial(); serial != "" {
		for _, d := range devices {
			if d.Serial == serial {
				if d.State == "device" {
					r.monitor.Update("device", Healthy, serial+" ready")
				} else {
					r.monitor.Update("device", Unhealthy, fmt.Sprintf("%s is %s", serial, d.State))
				}
				return
			}
		}
		r.monitor.Update("device", Unhealthy, fmt.Sprintf("serial %s not found", serial))
		return
	}

	ready := 0
	for _, d := range devices {
		if d.State == "device" {
			ready++
		}
	}
	switch {
	case ready == 0:
		r.monitor.Update("device", Unhealthy, fmt.Sprintf("no device in ready state (%s)", devices[0].State))
	case len(devices) > 1:
		r.monitor.Update("device", Degraded, fmt.Sprintf("%d devices attached, pass a serial to pick one", len(devices)))
	default:
		r.monitor.Update("device", Healthy, devices[0].Serial+" ready")
	}
}

func (r *Runner) checkApk() {
	info, err := os.Stat(r.apkPath)
	if err != nil {
		r.monitor.Update("apk", Unhealthy, fmt.Sprintf("%s missing, download from %s", r.apkPath, provision.ReleasesURL))
		return
	}
	r.monitor.Update("apk", Healthy, fmt.Sprintf("%s (%d bytes)", r.apkPath, info.Size()))
}

func (r *Runner) checkPort() {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(r.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.monitor.Update("port", Degraded, fmt.Sprintf("%s busy (an earlier forward may still be active)", addr))
		return
	}
	ln.Close()
	r.monitor.Update("port", Healthy, addr+" available")
}

func (r *Runner) checkAudio() {
	name, err := r.audioOut()
	if err != nil {
		r.monitor.Update("audio", Unhealthy, err.Error())
		return
	}
	r.monitor.Update("audio", Healthy, "default output: "+name)
}

func processNames() (map[string]bool, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	names := make(map[string]bool, len(procs))
	for _, p := range procs {
		name, err := p.Name()
		if err != nil || name == "" {
			continue
		}
		names[strings.ToLower(name)] = true
	}
	return names, nil
}
