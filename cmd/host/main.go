// Command host runs the bridge host process: the correlation engine,
// transports, authority relay, and the debug HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bridgelabs/webbridge/internal/bridge"
	"github.com/bridgelabs/webbridge/internal/infrastructure/logging"
	"github.com/bridgelabs/webbridge/internal/server"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to TOML config file")
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

	srv, err := server.New(*configPath, log)
	if err != nil {
		log.Fatal("failed to construct host", zap.Error(err))
	}

	registerBuiltins(srv.Engine())

	startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = srv.Start(startCtx)
	cancel()
	if err != nil {
		log.Fatal("failed to start host", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("signal received", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown incomplete", zap.Error(err))
		os.Exit(1)
	}
	log.Info("host stopped")
}

// registerBuiltins installs the host's baseline actions.
func registerBuiltins(engine *bridge.Engine) {
	engine.Registry().Register("ping", func(payload []byte) ([]byte, error) {
		return []byte(`{"pong":true}`), nil
	})
	engine.Registry().Register("echo", func(payload []byte) ([]byte, error) {
		return payload, nil
	})
}
