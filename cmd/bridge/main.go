package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nest-protect-bridge/internal/bridge"
	"nest-protect-bridge/internal/platform/config"
	"nest-protect-bridge/internal/platform/logger"
	"nest-protect-bridge/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	var (
		nestToken = flag.String("nest-token", config.GetEnv("NEST_TOKEN", ""), "Google SDM access token")
		projectID = flag.String("project-id", config.GetEnv("NEST_PROJECT_ID", ""), "Device Access project ID")
		deviceID  = flag.String("device-id", config.GetEnv("NEST_DEVICE_ID", ""), "Doorbell device ID")

		protectHost     = flag.String("protect-host", config.GetEnv("PROTECT_HOST", ""), "Protect host/IP (UDM Pro)")
		protectUsername = flag.String("protect-username", config.GetEnv("PROTECT_USERNAME", ""), "Protect admin username")
		protectPassword = flag.String("protect-password", config.GetEnv("PROTECT_PASSWORD", ""), "Protect admin password")
		protectToken    = flag.String("protect-token", config.GetEnv("PROTECT_TOKEN", ""), "Protect adoption token alternative to username/password")
		insecure        = flag.Bool("insecure", config.GetEnvBool("PROTECT_INSECURE", false), "Allow insecure TLS to Protect")

		cameraName = flag.String("camera-name", config.GetEnv("CAMERA_NAME", "Nest Doorbell"), "Name for the virtual camera")
		cameraMAC  = flag.String("camera-mac", config.GetEnv("CAMERA_MAC", ""), "Unique MAC address to emulate")

		rtspUsername = flag.String("rtsp-username", config.GetEnv("RTSP_USERNAME", "ubnt"), "RTSP username presented to Protect")
		rtspPassword = flag.String("rtsp-password", config.GetEnv("RTSP_PASSWORD", "ubnt"), "RTSP password presented to Protect")

		renewBefore   = flag.Int("renew-before", config.GetEnvInt("RENEW_BEFORE", 120), "Seconds before expiry to renew")
		checkInterval = flag.Int("check-interval", config.GetEnvInt("CHECK_INTERVAL", 60), "Loop interval in seconds to check stream health")
		pollEvents    = flag.Bool("poll-events", config.GetEnvBool("POLL_EVENTS", false), "Poll the device for doorbell events")
		eventInterval = flag.Int("event-interval", config.GetEnvInt("EVENT_INTERVAL", 30), "Polling interval in seconds for events")

		proxyBin    = flag.String("proxy-bin", config.GetEnv("PROXY_BIN", "unifi-cam-proxy"), "Consumer executable to launch")
		metricsAddr = flag.String("metrics-addr", config.GetEnv("METRICS_ADDR", ":9090"), "Observability listen address (empty to disable)")
		logLevel    = flag.String("log-level", config.GetEnv("LOG_LEVEL", "info"), "Logging level")
		logFormat   = flag.String("log-format", config.GetEnv("LOG_FORMAT", "json"), "Logging format: json or text")
	)
	flag.Parse()

	log := logger.New(*logLevel, *logFormat)

	for name, value := range map[string]string{
		"nest-token":   *nestToken,
		"project-id":   *projectID,
		"device-id":    *deviceID,
		"protect-host": *protectHost,
		"camera-mac":   *cameraMAC,
	} {
		if value == "" {
			fmt.Fprintf(os.Stderr, "missing required flag: -%s\n", name)
			flag.Usage()
			os.Exit(2)
		}
	}

	deviceName := fmt.Sprintf("enterprises/%s/devices/%s", *projectID, *deviceID)

	met := metrics.New()
	client := bridge.NewClient(*nestToken, deviceName, logger.WithComponent(log, "sdm"), met)
	proxy := bridge.NewProxy(bridge.ProxyConfig{
		BinPath:      *proxyBin,
		Host:         *protectHost,
		Username:     *protectUsername,
		Password:     *protectPassword,
		AdoptToken:   *protectToken,
		Insecure:     *insecure,
		CameraName:   *cameraName,
		MAC:          *cameraMAC,
		RTSPUsername: *rtspUsername,
		RTSPPassword: *rtspPassword,
	}, logger.WithComponent(log, "consumer"))
	supervisor := bridge.NewSupervisor(client, proxy,
		logger.WithComponent(log, "supervisor"), met,
		config.Seconds(*renewBefore), config.Seconds(*checkInterval))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return supervisor.Run(ctx) })

	if *pollEvents {
		poller := bridge.NewEventPoller(client, config.Seconds(*eventInterval),
			logger.WithComponent(log, "events"), met)
		g.Go(func() error { return poller.Run(ctx) })
	}

	if *metricsAddr != "" {
		r := chi.NewRouter()
		r.Use(logger.RequestLogger(log))
		r.Use(metrics.RequestMiddleware(met))
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			met.Handler(nil).ServeHTTP(w, r)
		})

		srv := &http.Server{Addr: *metricsAddr, Handler: r}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	log.Info("bridge starting",
		"device", deviceName,
		"camera_name", *cameraName,
		"renew_before_s", *renewBefore,
		"check_interval_s", *checkInterval,
		"poll_events", *pollEvents,
		"metrics_addr", *metricsAddr,
	)

	if err := g.Wait(); err != nil {
		log.Error("bridge failed", "error", err)
		os.Exit(1)
	}

	log.Info("bridge stopped")
}
