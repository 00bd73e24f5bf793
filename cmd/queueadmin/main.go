// Command queueadmin performs one-shot topology operations against the
// job bus: creating/binding a queue, purging it, deleting it, or
// enabling/disabling its binding to the realm exchange.
package main

import (
	"flag"
	"fmt"
	"os"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/naojsoft/datasink/internal/broker"
	"github.com/naojsoft/datasink/internal/config"
)

func main() {
	configFile := flag.String("f", "", "configuration file")
	queueName := flag.String("n", "", "queue name")
	topic := flag.String("t", "", "topic override for bind/unbind")
	action := flag.String("a", "", "action: create, purge, delete, enable, disable")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if *configFile == "" || *queueName == "" || *action == "" {
		fmt.Fprintln(os.Stderr, "usage: queueadmin -f CONFIG -a {create,purge,delete,enable,disable} -n QUEUE [-t TOPIC]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

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

	opts := cfg.QueueTopology()[*queueName]
	if *topic != "" {
		opts.Topic = *topic
	}

	switch *action {
	case "create":
		if err := broker.DeclareExchange(ch, cfg.Realm, cfg.Persist, cfg.BacklogQueue); err != nil {
			logger.Fatal("failed to declare exchange", zap.Error(err))
		}
		if err := broker.SetupQueue(ch, cfg.Realm, *queueName, opts, cfg.DefaultPrio, true); err != nil {
			logger.Fatal("failed to create queue", zap.Error(err))
		}
	case "enable":
		if err := broker.SetupQueue(ch, cfg.Realm, *queueName, opts, cfg.DefaultPrio, true); err != nil {
			logger.Fatal("failed to bind queue", zap.Error(err))
		}
	case "disable":
		if err := broker.SetupQueue(ch, cfg.Realm, *queueName, opts, cfg.DefaultPrio, false); err != nil {
			logger.Fatal("failed to unbind queue", zap.Error(err))
		}
	case "purge":
		if err := broker.Purge(ch, *queueName); err != nil {
			logger.Fatal("failed to purge queue", zap.Error(err))
		}
	case "delete":
		if err := broker.Delete(ch, *queueName, false, true); err != nil {
			logger.Fatal("failed to delete queue", zap.Error(err))
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown action %q\n", *action)
		os.Exit(2)
	}

	logger.Info("queueadmin action completed", zap.String("action", *action), zap.String("queue", *queueName))
}
