package aws

import (
	"context"
	"fmt"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

const transitionMetricName = "StatusTransitions"

// TransitionMetrics publishes one CloudWatch datapoint per committed status transition.
type TransitionMetrics struct {
	client    CloudWatchAPI
	namespace string
	nowFunc   func() time.Time
}

// NewTransitionMetrics returns a recorder writing into namespace.
func NewTransitionMetrics(client CloudWatchAPI, namespace string) *TransitionMetrics {
	return &TransitionMetrics{
		client:    client,
		namespace: namespace,
		nowFunc:   time.Now,
	}
}

// RecordTransition emits StatusTransitions{Entity, From, To} = 1.
func (m *TransitionMetrics) RecordTransition(ctx context.Context, entity, from, to string) error {
	if m == nil || m.client == nil {
		return nil
	}
	now := m.nowFunc().UTC()
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: sdkaws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: sdkaws.String(transitionMetricName),
				Timestamp:  &now,
				Unit:       cwtypes.StandardUnitCount,
				Value:      sdkaws.Float64(1),
				Dimensions: []cwtypes.Dimension{
					{Name: sdkaws.String("Entity"), Value: sdkaws.String(entity)},
					{Name: sdkaws.String("From"), Value: sdkaws.String(from)},
					{Name: sdkaws.String("To"), Value: sdkaws.String(to)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("put metric data: %w", err)
	}
	return nil
}
