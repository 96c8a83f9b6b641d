package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaykv/relaykv/backend"
	"github.com/relaykv/relaykv/utils"
)

func main() {
	var (
		httpAddr    = flag.String("http", ":8080", "HTTP listen address")
		backendAddr = flag.String("backend", "127.0.0.1:6379", "backend address")
		namespace   = flag.String("namespace", "default", "namespace")
		db          = flag.Int("db", 0, "backend database index")
	)
	flag.Parse()

	log := utils.NewDefaultLogger(0)
	metrics := utils.NewMetrics("relaykv_api")

	c := backend.NewRedis(backend.Options{
		Addr:    *backendAddr,
		DB:      *db,
		Log:     log,
		Metrics: metrics,
	})
	defer c.Close()

	srv := NewServer(*httpAddr, *namespace, c, log, metrics)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("relaykv-api: server exited", "error", err)
			os.Exit(1)
		}
	case <-sig:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
