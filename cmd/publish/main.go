// Command publish submits jobs to the bus. In one-shot mode it reads a
// single JSON job from -j (or stdin) and exits. With -daemon it runs the
// background drain loop, reading newline-delimited JSON jobs from stdin
// until EOF or signal, folding the original tool's separate one-shot and
// daemon job-source scripts into one binary.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/naojsoft/datasink/internal/config"
	"github.com/naojsoft/datasink/internal/job"
	"github.com/naojsoft/datasink/internal/publisher"
)

func main() {
	configFile := flag.String("f", "", "configuration file")
	name := flag.String("n", "", "source name")
	topic := flag.String("t", "", "topic override")
	jobFile := flag.String("j", "", "job JSON file (defaults to stdin)")
	daemon := flag.Bool("daemon", false, "run as a daemon, reading newline-delimited jobs from stdin")
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

	sourceName := *name
	if sourceName == "" {
		sourceName = "datasink-publish"
	}

	pub := publisher.New(publisher.Options{
		URL:             fmt.Sprintf("amqp://%s:%s@%s:%d/", cfg.RealmUsername, cfg.RealmPassword, cfg.RealmHost, cfg.RealmPort),
		Realm:           cfg.Realm,
		SourceName:      sourceName,
		DefaultTopic:    cfg.Topic,
		MessagePersist:  cfg.MessagePersist,
		TTLSec:          cfg.TTLSec,
		RecoverInterval: time.Duration(cfg.RecoverInterval) * time.Second,
		Logger:          logger,
	})
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !*daemon {
		j, err := readOneJob(*jobFile)
		if err != nil {
			logger.Fatal("failed to read job", zap.Error(err))
		}
		if err := pub.Submit(ctx, j, *topic); err != nil {
			logger.Fatal("failed to submit job", zap.Error(err))
		}
		logger.Info("job submitted", zap.String("action", j.Action))
		return
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		cancel()
	}()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var j job.Job
		if err := json.Unmarshal(line, &j); err != nil {
			logger.Error("failed to decode job line", zap.Error(err))
			continue
		}
		if err := pub.Submit(ctx, &j, *topic); err != nil {
			logger.Error("failed to submit job", zap.Error(err))
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		logger.Error("error reading stdin", zap.Error(err))
	}
}

func readOneJob(path string) (*job.Job, error) {
	var r io.Reader
	if path == "" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var j job.Job
	if err := json.Unmarshal(body, &j); err != nil {
		return nil, err
	}
	return &j, nil
}
