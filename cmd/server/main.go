package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/suPer8Hu/convcache/internal/app"
	"github.com/suPer8Hu/convcache/internal/config"
	"github.com/suPer8Hu/convcache/internal/httpapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// the logger is not configured yet
		config.NewLogger(config.Config{}).WithError(err).Fatal("config")
	}
	log := config.NewLogger(cfg)
	gin.SetMode(gin.ReleaseMode)

	a, err := app.Open(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("open stores")
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := a.Gateway(ctx)
	if err != nil {
		log.WithError(err).Fatal("gateway")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(gw, cfg.JWTSecret, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.HTTPAddr).Info("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.Janitor().Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server stopped")
		return
	}
	log.Info("server stopped")
}
