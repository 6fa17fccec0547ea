// Command authority runs the authoritative process hosts relay
// server:-namespaced actions to.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bridgelabs/webbridge/internal/authority"
	"github.com/bridgelabs/webbridge/internal/infrastructure/config"
	"github.com/bridgelabs/webbridge/internal/infrastructure/logging"
	"github.com/bridgelabs/webbridge/internal/sched"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to TOML config file")
		addr       = flag.String("addr", ":9000", "listen address")
		logLevel   = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		dev        = flag.Bool("dev", false, "development logging")
	)
	flag.Parse()

	log, err := logging.New(logging.Config{
		Level:       *logLevel,
		Development: *dev,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg := config.LoadOrDefault(*configPath)
	scheduler := sched.New(8, log)
	srv := authority.NewServer(cfg, scheduler, authority.AllowAll, log)

	registerBuiltins(srv)

	// Periodic push keeps connected hosts' event paths warm and gives
	// web content a liveness signal.
	stopHeartbeat := scheduler.Every(sched.Logic, 30*time.Second, func() {
		payload := []byte(fmt.Sprintf(`{"unixMillis":%d}`, time.Now().UnixMilli()))
		if err := srv.PushEvent("authority.heartbeat", payload); err != nil {
			log.Warn("heartbeat push failed", zap.Error(err))
		}
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(*addr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatal("listener failed", zap.Error(err))
	case sig := <-quit:
		log.Info("signal received", zap.String("signal", sig.String()))
	}

	stopHeartbeat()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := scheduler.Shutdown(ctx); err != nil {
		log.Warn("scheduler drain timed out", zap.Error(err))
	}
	log.Info("authority stopped")
}

// registerBuiltins installs the authority's baseline actions.
func registerBuiltins(srv *authority.Server) {
	srv.Registry().Register("server:time", func(payload []byte) ([]byte, error) {
		return []byte(fmt.Sprintf(`{"unixMillis":%d}`, time.Now().UnixMilli())), nil
	})
	srv.Registry().Register("server:ping", func(payload []byte) ([]byte, error) {
		return []byte(`{"pong":true}`), nil
	})
}
