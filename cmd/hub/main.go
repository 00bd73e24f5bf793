// Command hub runs the operator admin HTTP surface: metrics, queue
// topology summary, and (with -dlx) a live WebSocket feed of dead-letter
// events drained from the backlog queue, the same messages
// initialize.py's handle_dlx loop used to just log.
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

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/naojsoft/datasink/internal/broker"
	"github.com/naojsoft/datasink/internal/config"
	"github.com/naojsoft/datasink/internal/hub"
	"github.com/naojsoft/datasink/internal/metrics"
)

func main() {
	configFile := flag.String("f", "", "configuration file")
	watchDLX := flag.Bool("dlx", false, "drain and broadcast dead-letter events")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if *configFile == "" {
		logger.Fatal("missing required -f CONFIG flag")
	}
	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	h := hub.New(logger, cfg.QueueTopology())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:      h.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // websocket connections are long-lived
	}

	done := make(chan struct{})
	if *watchDLX {
		url := fmt.Sprintf("amqp://%s:%s@%s:%d/", cfg.RealmUsername, cfg.RealmPassword, cfg.RealmHost, cfg.RealmPort)
		conn, err := amqp.Dial(url)
		if err != nil {
			logger.Fatal("failed to dial broker", zap.Error(err))
		}
		defer conn.Close()
		ch, err := conn.Channel()
		if err != nil {
			logger.Fatal("failed to open channel", zap.Error(err))
		}
		defer ch.Close()

		go func() {
			if err := broker.ConsumeDLX(ch, cfg.BacklogQueue, done, func(msg broker.DLXMessage) {
				logger.Info("dead-lettered message", zap.String("routing_key", msg.RoutingKey), zap.ByteString("body", msg.Body))
				metrics.DLXMessagesTotal.Inc()
				h.Broadcast(msg)
			}); err != nil {
				logger.Error("dlx consume error", zap.Error(err))
			}
		}()
	}

	go func() {
		logger.Info("hub listening", zap.String("addr", srv.Addr), zap.Bool("dlx", *watchDLX))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("hub server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down hub...")
	close(done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("hub server shutdown error", zap.Error(err))
	}
	logger.Info("hub stopped")
}
