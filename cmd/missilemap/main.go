package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/missilemap/missilemap-go/internal/fusion"
	"github.com/missilemap/missilemap-go/internal/gps"
	"github.com/missilemap/missilemap-go/internal/remote"
	"github.com/missilemap/missilemap-go/internal/sensors"
	"github.com/missilemap/missilemap-go/internal/server"
	"github.com/missilemap/missilemap-go/internal/targets"
)

var (
	flagConfig string
	flagDemo   bool
	flagListen string

	flagLat     float64
	flagLon     float64
	flagBearing float64
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "missilemap",
		Short: "Heading-tracking map daemon with live target paths",
		Long: `missilemap fuses accelerometer and magnetometer readings into a smoothed
compass bearing, follows the GPS position, and streams camera updates and
polled target paths to websocket clients.

Use --demo to run with simulated sensors, GPS and target server.`,
		SilenceUsage: true,
		RunE:         run,
	}
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "/etc/missilemap/config.yaml", "Path to config file")
	rootCmd.Flags().BoolVar(&flagDemo, "demo", false, "Run with simulated IMU, GPS and target data")
	rootCmd.Flags().StringVar(&flagListen, "listen", "", "Override listen address (e.g. :8080)")

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Submit a single sighting to the configured server",
		Args:  cobra.NoArgs,
		RunE:  runReport,
	}
	reportCmd.Flags().Float64Var(&flagLat, "lat", 0, "Latitude in degrees")
	reportCmd.Flags().Float64Var(&flagLon, "lon", 0, "Longitude in degrees")
	reportCmd.Flags().Float64Var(&flagBearing, "bearing", 0, "Bearing in radians clockwise from north")
	reportCmd.MarkFlagRequired("lat")
	reportCmd.MarkFlagRequired("lon")
	rootCmd.AddCommand(reportCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] missilemap starting")

	cfg := server.LoadConfig(flagConfig)
	if flagDemo {
		cfg.Sensors.Type = "demo"
		cfg.GPS.Type = "demo"
		cfg.Remote.Type = "demo"
	}
	if flagListen != "" {
		cfg.Server.ListenAddr = flagListen
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var sensorProv sensors.Provider
	switch cfg.Sensors.Type {
	case "serial":
		sensorProv = sensors.NewSerialIMU(sensors.SerialConfig{
			PortPath: cfg.Sensors.PortPath,
			BaudRate: cfg.Sensors.BaudRate,
		})
	default:
		sensorProv = sensors.NewDemoIMU(60*time.Second, 20*time.Millisecond, time.Now().UnixNano())
	}
	// Non-blocking: the server starts regardless and the read loop backs off.
	go connectWithRetry(ctx, "imu", sensorProv, 10)

	var gpsProv gps.Provider
	switch cfg.GPS.Type {
	case "nmea":
		gpsProv = gps.NewNMEA(gps.NMEAConfig{
			PortPath: cfg.GPS.PortPath,
			BaudRate: cfg.GPS.BaudRate,
		})
	case "disabled":
		gpsProv = nil
	default:
		gpsProv = gps.NewDemoGPS(cfg.GPS.Home)
	}
	if gpsProv != nil {
		go connectWithRetry(ctx, "gps", gpsProv, 10)
	}

	fetch, reporter := remoteFor(cfg)
	ctrl := fusion.New(cfg.FusionSettings(), nil, fetch, reporter)

	srv := server.New(cfg, ctrl, sensorProv, gpsProv)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server exited: %w", err)
	}
	log.Println("[main] stopped")
	return nil
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg := server.LoadConfig(flagConfig)
	client := remote.NewClient(cfg.Remote.BaseURL, time.Duration(cfg.Remote.TimeoutMs)*time.Millisecond)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := client.PostSighting(ctx, remote.Sighting{
		Latitude:  flagLat,
		Longitude: flagLon,
		Bearing:   flagBearing,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "sighting submitted")
	return nil
}

type remoteAPI interface {
	FetchTargets(ctx context.Context) ([]targets.Target, error)
	PostSighting(ctx context.Context, s remote.Sighting) error
}

func remoteFor(cfg *server.Config) (targets.FetchFunc, fusion.Reporter) {
	var api remoteAPI
	switch cfg.Remote.Type {
	case "demo":
		api = remote.NewDemo(cfg.GPS.Home, 5)
	case "disabled":
		return nil, nil
	default:
		api = remote.NewClient(cfg.Remote.BaseURL, time.Duration(cfg.Remote.TimeoutMs)*time.Millisecond)
	}
	return api.FetchTargets, api
}

// connectable is satisfied by both sensors.Provider and gps.Provider.
type connectable interface {
	Connect() error
	Close() error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s; after maxAttempts the
// log line drops the attempt limit.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		err := c.Connect()
		if err == nil {
			log.Printf("[%s] connected (attempt %d)", name, attempt+1)
			return
		}
		attempt++
		if attempt <= maxAttempts {
			log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)", name, attempt, maxAttempts, err, delay)
		} else {
			log.Printf("[%s] connect attempt %d failed: %v (retry in %v)", name, attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
