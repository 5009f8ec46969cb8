package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vrsandeep/pplx-kit/internal/api"
	"github.com/vrsandeep/pplx-kit/internal/core"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if err := run(); err != nil {
		log.Fatalf("pplx-kit: %v", err)
	}
}

func run() error {
	app, err := core.New()
	if err != nil {
		return fmt.Errorf("application setup: %w", err)
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Plugin failures during the first sync are reported, not fatal.
	startCtx, cancelStart := context.WithTimeout(ctx, 2*time.Minute)
	err = app.Start(startCtx)
	cancelStart()
	if err != nil {
		log.Printf("Warning: %v", err)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.Config().Port),
		Handler:           api.NewServer(app).Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(app.Logger().Writer("http"), "", 0),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("Starting web server on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("could not start server: %w", err)
	case <-ctx.Done():
	}
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	log.Println("Server exiting.")
	return nil
}
