package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/aws"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/config"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/idempotency"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/notify"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.ValidateWorker()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		logger.Fatal("failed to init aws clients", zap.Error(err))
	}
	p := NewProcessor(
		idempotency.NewStore(clients.DynamoDB, cfg.IdempotencyTable, cfg.IdempotencyTTL),
		notify.NewEmailSender(clients.SES, cfg.EmailFrom),
		logger,
	)

	if cfg.NotifyTransport == config.TransportRabbitMQ {
		if err := consumeRabbit(ctx, cfg, p, logger); err != nil {
			logger.Fatal("rabbitmq consumer stopped", zap.Error(err))
		}
		return
	}

	// RUN_LOCAL processes a single message from LOCAL_SQS_BODY.
	if cfg.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			logger.Fatal("LOCAL_SQS_BODY is required when RUN_LOCAL is set")
		}
		resp, err := p.HandleSQS(ctx, events.SQSEvent{
			Records: []events.SQSMessage{{MessageId: "local-1", Body: body}},
		})
		if err != nil || len(resp.BatchItemFailures) > 0 {
			logger.Fatal("local handler error", zap.Error(err), zap.Int("failures", len(resp.BatchItemFailures)))
		}
		return
	}

	lambda.Start(p.HandleSQS)
}

func consumeRabbit(ctx context.Context, cfg config.Config, p *Processor, logger *zap.Logger) error {
	conn, err := notify.DialRabbit(cfg.RabbitMQURL, cfg.RabbitMQQueue, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	logger.Info("consuming notifications", zap.String("queue", conn.Queue))
	err = notify.NewRabbitConsumer(conn.Channel, conn.Queue, logger).Run(ctx, p.Process)
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}
	return err
}
