package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kerollosy/sndcpy/internal/adb"
	"github.com/kerollosy/sndcpy/internal/config"
	"github.com/kerollosy/sndcpy/internal/doctor"
	"github.com/kerollosy/sndcpy/internal/logging"
	"github.com/spf13/cobra"
)

var (
	version = "1.1.0"
	cfgFile string
	port    int
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "sndcpy [apk-path] [serial]",
	Short: "Forward Android audio to this computer",
	Long: `sndcpy plays audio from a USB-connected Android device on the local
default output. It installs the device-side capture app, grants it the
audio capture permission, forwards a local TCP port to the app's socket
and streams raw PCM until the device disconnects or ctrl+c.`,
	Args:          cobra.MaximumNArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStream(args)
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices attached to the adb server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listDevices()
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose the local streaming setup",
	Long: `Checks everything a streaming run depends on: the adb binary and
server, connected devices, the APK path, the forward port and the
default audio output.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDoctor()
	},
}

var logcatCmd = &cobra.Command{
	Use:   "logcat",
	Short: "Stream the capture app's device-side logs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return streamLogcat()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sndcpy v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is sndcpy.yaml in the user config dir)")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "local TCP port forwarded to the device (default 28200)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "log subprocess calls and other diagnostic detail")

	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(logcatCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig merges the config file, SNDCPY_* environment and CLI arguments
// into the run configuration and initializes logging from it.
func loadConfig(args []string) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if len(args) > 0 {
		cfg.Apk = args[0]
	}
	if len(args) > 1 {
		cfg.Serial = args[1]
	}
	if port != 0 {
		cfg.Port = port
	}
	if debug {
		cfg.LogLevel = "debug"
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, nil)

	if res := cfg.ValidateTiered(); res.HasFatals() {
		return nil, errors.Join(res.Fatals...)
	}
	return cfg, nil
}

func listDevices() error {
	if _, err := loadConfig(nil); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	devices, err := adb.New("").Devices(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No devices attached.")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("%-24s %-12s %s\n", d.Serial, d.State, d.Description)
	}
	return nil
}

func runDoctor() error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	monitor := doctor.New(adb.New(cfg.Serial), cfg.Apk, cfg.Port).Run(ctx)
	for _, check := range monitor.All() {
		fmt.Printf("%-12s %-10s %s\n", check.Name, check.Status, check.Message)
	}

	overall := monitor.Overall()
	fmt.Printf("\noverall: %s\n", overall)
	if overall == doctor.Unhealthy {
		return errors.New("setup is not ready to stream")
	}
	return nil
}

func streamLogcat() error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return adb.New(cfg.Serial).Logcat(ctx, os.Stdout,
		"-v", "time", "-s", "sndcpy", "SndcpyMainActivity", "sndcpy-meta")
}
