package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"shellgate/internal/config"
	"shellgate/internal/logging"
	"shellgate/internal/proxy"
	"shellgate/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "./configs/shellgate.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	shutdownTracing, err := telemetry.Setup(bgCtx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		logger.Error("tracing setup failed", "err", err)
	}

	gw, err := proxy.NewBuilder(cfg, logger).Build(bgCtx)
	if err != nil {
		logger.Error("build gateway", "err", err)
		os.Exit(1)
	}

	for _, ls := range gw.Listeners {
		go func(ls *proxy.ListenerServer) {
			logger.Info("listening", "listener", ls.Name, "addr", ls.Server.Addr, "tls", ls.TLS.Enabled)
			var err error
			if ls.TLS.Enabled {
				err = ls.Server.ListenAndServeTLS(ls.TLS.CertFile, ls.TLS.KeyFile)
			} else {
				err = ls.Server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server error", "listener", ls.Name, "err", err)
				os.Exit(1)
			}
		}(ls)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Info("shutting down gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, ls := range gw.Listeners {
		wg.Add(1)
		go func(ls *proxy.ListenerServer) {
			defer wg.Done()
			if err := ls.Server.Shutdown(ctx); err != nil {
				logger.Warn("server shutdown error", "listener", ls.Name, "err", err)
			}
		}(ls)
	}
	wg.Wait()

	bgCancel()
	if err := gw.Close(); err != nil {
		logger.Warn("gateway close error", "err", err)
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("tracing shutdown error", "err", err)
		}
	}
}
