package aws

import (
	"context"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// AWSClients holds the service clients used by the api and the worker.
type AWSClients struct {
	DynamoDB   DynamoDBAPI
	SQS        SQSAPI
	CloudWatch CloudWatchAPI
	SES        SESAPI
}

// NewAWSClients resolves the shared configuration and builds every client from it.
func NewAWSClients(ctx context.Context) (*AWSClients, error) {
	cfg, err := LoadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	return ClientsFromConfig(cfg), nil
}

// ClientsFromConfig builds the clients from an already resolved configuration.
func ClientsFromConfig(cfg sdkaws.Config) *AWSClients {
	return &AWSClients{
		DynamoDB:   dynamodb.NewFromConfig(cfg),
		SQS:        sqs.NewFromConfig(cfg),
		CloudWatch: cloudwatch.NewFromConfig(cfg),
		SES:        sesv2.NewFromConfig(cfg),
	}
}
