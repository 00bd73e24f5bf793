// Command sink runs one datasink worker: a reconnecting consumer bound to
// its configured queue(s), a fixed-size worker pool, the built-in actions
// plus the transfer action, and an admin HTTP surface for metrics.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/naojsoft/datasink/internal/action"
	"github.com/naojsoft/datasink/internal/config"
	"github.com/naojsoft/datasink/internal/dedup"
	"github.com/naojsoft/datasink/internal/job"
	"github.com/naojsoft/datasink/internal/ledger"
	"github.com/naojsoft/datasink/internal/sink"
	"github.com/naojsoft/datasink/internal/transfer"
)

func main() {
	configFile := flag.String("f", "", "configuration file")
	name := flag.String("n", "", "sink name override")
	topic := flag.String("t", "", "topic override for this sink's queue bindings")
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

	sinkName := *name
	if sinkName == "" {
		sinkName = cfg.SinkName()
	}
	queueNames := cfg.QueueNames
	if len(queueNames) == 0 {
		queueNames = []string{sinkName}
	}

	topology := cfg.QueueTopology()
	if *topic != "" {
		// -t overrides the topic this sink binds its own queues on,
		// without mutating the shared config map read by other queues.
		overridden := make(map[string]config.QueueOptions, len(topology))
		for k, v := range topology {
			overridden[k] = v
		}
		for _, q := range queueNames {
			qOpts := overridden[q]
			qOpts.Topic = *topic
			overridden[q] = qOpts
		}
		topology = overridden
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := action.NewRegistry()

	xferOpts := transfer.Options{
		DataDir:        cfg.DataDir,
		MoveDir:        cfg.MoveDir,
		UnpackTarfiles: cfg.UnpackTarfiles,
		StoreBy:        transfer.StoreBy(cfg.StoreBy),
		MD5Check:       cfg.MD5Check,
		MountMangle:    cfg.MountMangle,
		DefaultHost:    cfg.TransferHost,
		DefaultMethod:  cfg.TransferMethod,
		DefaultUser:    cfg.TransferUsername,
		Direction:      cfg.TransferDir,
		Logger:         logger,
	}
	xfer := transfer.New(xferOpts)

	var led ledger.Ledger
	if cfg.Ledger.Enabled {
		pool, err := pgxpool.New(ctx, cfg.Ledger.URL)
		if err != nil {
			logger.Fatal("failed to connect to ledger database", zap.Error(err))
		}
		defer pool.Close()
		if err := ledger.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal("failed to ensure ledger schema", zap.Error(err))
		}
		led = ledger.New(pool)
		logger.Info("transfer ledger enabled")
	}

	var dedupStore dedup.Store = dedup.NoopStore{}
	if cfg.Dedup.Enabled {
		opts, err := goredis.ParseURL(cfg.Dedup.URL)
		if err != nil {
			logger.Fatal("invalid dedup redis url", zap.Error(err))
		}
		client := goredis.NewClient(opts)
		defer client.Close()
		dedupStore = dedup.New(client, time.Duration(cfg.Dedup.TTLSec)*time.Second)
		logger.Info("delivery dedup enabled")
	}

	registry.Register("transfer", func(ctx context.Context, wu *job.WorkUnit, deps *action.Deps) (bool, error) {
		// A redelivery carries a fresh correlation ID, so the dedup key is
		// derived from the job's identifying fields instead.
		sum := sha256.Sum256([]byte(strings.Join([]string{
			wu.Job.Action, wu.Job.SrcPath, wu.Job.Host, wu.Job.PropID, wu.Job.InsName,
		}, "|")))
		if dup, derr := dedupStore.SeenBefore(ctx, hex.EncodeToString(sum[:])); derr == nil && dup {
			logger.Info("duplicate transfer job suppressed", zap.String("correlation_id", wu.CorrelationID.String()))
			return true, nil
		}

		xfer.ApplyDefaults(wu.Job)
		res, xerr := xfer.Run(ctx, wu.Job)

		if led != nil {
			errMsg := ""
			if xerr != nil {
				errMsg = xerr.Error()
			}
			if lerr := led.Record(ctx, wu.CorrelationID.String(), wu.Job.Action, res, errMsg); lerr != nil {
				logger.Error("failed to record transfer in ledger", zap.Error(lerr))
			}
		}

		// A failed transfer is a data-plane outcome recorded above, not a
		// message-plane one: the broker message is still ACKed so it is
		// never redelivered or dead-lettered over a bad destination file.
		return true, xerr
	})

	s := sink.New(sink.Options{
		URL:             fmt.Sprintf("amqp://%s:%s@%s:%d/", cfg.RealmUsername, cfg.RealmPassword, cfg.RealmHost, cfg.RealmPort),
		QueueNames:      queueNames,
		NumWorkers:      cfg.NumWorkers,
		RetryInterval:   time.Duration(cfg.RetryIntervalSec) * time.Second,
		Filter:          buildFilter(cfg.InsFilter),
		Logger:          logger,
		Realm:           cfg.Realm,
		Persist:         cfg.Persist,
		BacklogQueue:    cfg.BacklogQueue,
		DefaultPriority: cfg.DefaultPrio,
		Topology:        topology,
	}, registry)

	metricsSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.MetricsPort),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		Handler:      promhttp.Handler(),
	}
	go func() {
		logger.Info("metrics server listening", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	go func() {
		if err := s.Serve(ctx); err != nil {
			logger.Error("sink serve error", zap.Error(err))
			cancel()
		}
	}()

	logger.Info("sink started", zap.String("name", sinkName), zap.Strings("queues", queueNames))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down sink...")
	cancel()
	if err := s.Close(); err != nil {
		logger.Error("error closing sink", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", zap.Error(err))
	}

	logger.Info("sink stopped")
}

// buildFilter turns the configured instrument allowlist into a JobFilter;
// an empty allowlist means no filtering (datasink.py: insfilter is None).
func buildFilter(allow []string) sink.JobFilter {
	if len(allow) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allow))
	for _, name := range allow {
		set[name] = struct{}{}
	}
	return func(j *job.Job) bool {
		if j.Action != "transfer" {
			return true
		}
		_, ok := set[j.InsName]
		return ok
	}
}
