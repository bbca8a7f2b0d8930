// Command evolu-relay runs the multi-tenant sync relay: a WebSocket
// fan-out server plus its small HTTP usage-polling sibling, backed by
// one SQLite database shared by every owner it serves.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/evolu-sh/evolu-core/internal/instances"
	"github.com/evolu-sh/evolu-core/internal/relay"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("evolu-relay", flag.ContinueOnError)
	port := fs.Int("port", 4000, "port to listen on")
	name := fs.String("name", "evolu-relay", "relay instance name, used in log output")
	dataDir := fs.String("data-dir", "./evolu-relay-data", "directory holding the relay's database")
	maxDrift := fs.Duration("max-drift", 0, "reject messages timestamped more than this far ahead of the relay's clock (0 disables the check)")
	enableLogging := fs.Bool("enable-logging", false, "enable structured production logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	logger, flushLogger := newLogger(*enableLogging)
	defer flushLogger()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Printf("evolu-relay: create data dir: %v", err)
		return 2
	}

	dbPath := filepath.Join(*dataDir, "relay.db")
	store, err := relay.Open(dbPath)
	if err != nil {
		logger.Printf("evolu-relay: open store: %v", err)
		return 2
	}
	instances.Default().Open(dbPath, store)
	defer instances.Default().Release(dbPath)

	server := relay.NewServer(store, logger)
	if *maxDrift > 0 {
		server.SetMaxDrift(*maxDrift)
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: usageRouter(server, relay.UsageHandler(store)),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("evolu-relay[%s]: listening on %s", *name, httpServer.Addr)
		serveErr <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Printf("evolu-relay: serve: %v", err)
			return 2
		}
	case <-sigCh:
		logger.Printf("evolu-relay[%s]: shutting down", *name)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Printf("evolu-relay: shutdown: %v", err)
			return 2
		}
	}
	return 0
}

// usageRouter dispatches GET .../usage to usageHandler and everything
// else under /owner/ to the WebSocket server: both "/owner/{id}" and
// "/owner/{id}/usage" arrive through the one "/owner/" prefix entry,
// so the split is made here on the path suffix.
func usageRouter(wsServer http.Handler, usageHandler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.URL.Path) > len("/usage") && r.URL.Path[len(r.URL.Path)-len("/usage"):] == "/usage" {
			usageHandler.ServeHTTP(w, r)
			return
		}
		wsServer.ServeHTTP(w, r)
	})
}

type zapLogger struct{ l *zap.SugaredLogger }

func (z zapLogger) Printf(format string, v ...interface{}) { z.l.Infof(format, v...) }

type stdLogger struct{}

func (stdLogger) Printf(format string, v ...interface{}) { fmt.Fprintf(os.Stderr, format+"\n", v...) }

func newLogger(enableLogging bool) (relay.Logger, func()) {
	if !enableLogging {
		return stdLogger{}, func() {}
	}
	z, err := zap.NewProduction()
	if err != nil {
		return stdLogger{}, func() {}
	}
	return zapLogger{z.Sugar()}, func() { z.Sync() }
}
