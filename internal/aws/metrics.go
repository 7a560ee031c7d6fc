package aws

import (
	"context"
	"fmt"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// MetricEmitter publishes count metrics to CloudWatch under one namespace.
type MetricEmitter struct {
	CloudWatch CloudWatchAPI
	Namespace  string
	nowFunc    func() time.Time
}

func NewMetricEmitter(cw CloudWatchAPI, namespace string) *MetricEmitter {
	return &MetricEmitter{CloudWatch: cw, Namespace: namespace, nowFunc: time.Now}
}

// EmitCounts sends every name/value pair as a Count datum in one call.
func (e *MetricEmitter) EmitCounts(ctx context.Context, counts map[string]float64, dimensions map[string]string) error {
	if len(counts) == 0 {
		return nil
	}
	dims := make([]cwtypes.Dimension, 0, len(dimensions))
	for k, v := range dimensions {
		dims = append(dims, cwtypes.Dimension{Name: sdkaws.String(k), Value: sdkaws.String(v)})
	}
	now := e.nowFunc()
	data := make([]cwtypes.MetricDatum, 0, len(counts))
	for name, value := range counts {
		data = append(data, cwtypes.MetricDatum{
			MetricName: sdkaws.String(name),
			Value:      sdkaws.Float64(value),
			Unit:       cwtypes.StandardUnitCount,
			Timestamp:  sdkaws.Time(now),
			Dimensions: dims,
		})
	}
	_, err := e.CloudWatch.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  sdkaws.String(e.Namespace),
		MetricData: data,
	})
	if err != nil {
		return fmt.Errorf("put metric data: %w", err)
	}
	return nil
}
