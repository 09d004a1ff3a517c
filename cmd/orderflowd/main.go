package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	_ "modernc.org/sqlite"

	"github.com/petrijr/orderflow"
	"github.com/petrijr/orderflow/internal/httpapi"
	"github.com/petrijr/orderflow/internal/telemetry"
	"github.com/petrijr/orderflow/pkg/fulfillment"
	"github.com/petrijr/orderflow/pkg/metrics"
)

func main() {
	logger := telemetry.SetupLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPath := os.Getenv("ORDERFLOW_DB")
	if dbPath == "" {
		dbPath = "orderflow.db"
	}
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_journal=WAL")
	if err != nil {
		logger.Error("failed to open database", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	cfg := orderflow.BundleConfig{
		Observer: metrics.NewPrometheusObserver(prometheus.DefaultRegisterer),
		Logger:   logger,
	}

	var bundle *orderflow.Bundle
	if amqpURL := os.Getenv("ORDERFLOW_AMQP"); amqpURL != "" {
		conn, err := amqp.Dial(amqpURL)
		if err != nil {
			logger.Error("failed to connect to broker", "error", err)
			os.Exit(1)
		}
		defer conn.Close()
		ch, err := conn.Channel()
		if err != nil {
			logger.Error("failed to open broker channel", "error", err)
			os.Exit(1)
		}
		bundle, err = orderflow.NewAMQPBundle(db, ch, cfg)
		if err != nil {
			logger.Error("failed to build order system", "error", err)
			os.Exit(1)
		}
		logger.Info("task transport: AMQP", "url", amqpURL)
	} else {
		bundle, err = orderflow.NewSQLiteBundle(db, cfg)
		if err != nil {
			logger.Error("failed to build order system", "error", err)
			os.Exit(1)
		}
	}

	// Re-drive anything left RUNNING by a previous process before workers
	// accept new work.
	recovered, err := bundle.Engine.RecoverStuckInstances(ctx)
	if err != nil {
		logger.Error("recovery failed", "error", err)
		os.Exit(1)
	}
	if recovered > 0 {
		logger.Info("recovered stuck instances", "count", recovered)
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	go func() {
		if err := bundle.OrderWorker.Run(workerCtx, 2); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("order worker stopped", "error", err)
		}
	}()
	go func() {
		if err := bundle.ShippingWorker.Run(workerCtx, 2); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("shipping worker stopped", "error", err)
		}
	}()

	handler := httpapi.NewHandler(httpapi.Config{
		Engine:  bundle.Engine,
		Records: bundle.Records,
		EnqueueStart: func(r *http.Request, in fulfillment.OrderInput) error {
			return bundle.OrderWorker.EnqueueStart(r.Context(), fulfillment.WorkflowOrder, in.OrderID, in)
		},
		Logger: logger,
	})

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	addr := os.Getenv("ORDERFLOW_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		logger.Info("orderflow API listening", "addr", addr, "db", dbPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	stopWorkers()
	logger.Info("stopped")
}
