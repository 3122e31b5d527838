package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/aws"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/config"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/handlers"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/idempotency"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/notify"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/observability"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/offers"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/orders"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/payments"
)

func main() {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.ValidateAPI()
	}
	if err != nil {
		var ve *config.ValidationError
		if errors.As(err, &ve) {
			fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", ve.Fields())
		} else {
			fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		}
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	r, closeFn, err := setupRouter(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("failed to init api", zap.Error(err))
	}
	defer closeFn()

	// RUN_LOCAL serves plain HTTP for development.
	if cfg.RunLocal {
		addr := ":" + cfg.Port
		logger.Info("running local server", zap.String("addr", addr))
		if err := r.Run(addr); err != nil {
			logger.Fatal("failed to run local server", zap.Error(err))
		}
		return
	}

	adapter := ginadapter.New(r)
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}

func setupRouter(ctx context.Context, cfg config.Config, logger *zap.Logger) (*gin.Engine, func(), error) {
	if !cfg.RunLocal {
		gin.SetMode(gin.ReleaseMode)
	}

	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("init aws clients: %w", err)
	}

	publisher, closeFn, err := notificationPublisher(cfg, clients, logger)
	if err != nil {
		return nil, nil, err
	}

	recorder := aws.NewTransitionMetrics(clients.CloudWatch, cfg.MetricsNamespace)
	orderSvc := orders.NewService(orders.NewStore(clients.DynamoDB, cfg.OrdersTable),
		orders.WithNotifier(notify.NewDispatcher(publisher, notify.WithLogger(logger))),
		orders.WithRecorder(recorder),
		orders.WithLogger(logger),
	)
	offerSvc := offers.NewService(offers.NewStore(clients.DynamoDB, cfg.OffersTable),
		offers.WithRecorder(recorder),
		offers.WithLogger(logger),
	)

	gateway, err := payments.NewStripeGateway(payments.StripeConfig{
		APIKey:        cfg.StripeAPIKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		Logger:        logger,
	})
	if err != nil {
		closeFn()
		return nil, nil, err
	}

	r := handlers.NewRouter(handlers.Deps{
		Logger:      logger,
		Metrics:     observability.NewHTTPMetrics(""),
		Auth:        handlers.NewAuthenticator(cfg.JWTSecret, logger),
		Orders:      orderSvc,
		Offers:      offerSvc,
		Idempotency: idempotency.NewStore(clients.DynamoDB, cfg.IdempotencyTable, cfg.IdempotencyTTL),
		Gateway:     gateway,
		Checkout: handlers.CheckoutSettings{
			SuccessURL: cfg.CheckoutSuccessURL,
			CancelURL:  cfg.CheckoutCancelURL,
			Currency:   cfg.Currency,
		},
	})
	return r, closeFn, nil
}

func notificationPublisher(cfg config.Config, clients *aws.AWSClients, logger *zap.Logger) (notify.Publisher, func(), error) {
	if cfg.NotifyTransport == config.TransportRabbitMQ {
		pub, err := notify.DialRabbitPublisher(cfg.RabbitMQURL, cfg.RabbitMQQueue, logger)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := pub.Close(); err != nil {
				logger.Warn("close rabbitmq connection", zap.Error(err))
			}
		}
		return pub, closeFn, nil
	}
	sender := aws.NewPublisher(clients.SQS, cfg.NotifyQueueURL)
	return notify.NewSQSPublisher(sender), func() {}, nil
}
