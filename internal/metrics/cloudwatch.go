package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"candleflow/logger"
)

// cloudWatchBatchLimit is the PutMetricData datum limit per request.
const cloudWatchBatchLimit = 1000

// PutMetricDataAPI is the subset of the CloudWatch client used for publishing.
type PutMetricDataAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchPublisher buffers numeric metric events and ships them to CloudWatch.
type CloudWatchPublisher struct {
	client    PutMetricDataAPI
	namespace string

	mu      sync.Mutex
	pending []cwtypes.MetricDatum
}

// NewCloudWatchPublisher loads the default AWS configuration for region.
func NewCloudWatchPublisher(ctx context.Context, region, namespace string) (*CloudWatchPublisher, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return NewCloudWatchPublisherWithClient(cloudwatch.NewFromConfig(cfg), namespace), nil
}

func NewCloudWatchPublisherWithClient(client PutMetricDataAPI, namespace string) *CloudWatchPublisher {
	if namespace == "" {
		namespace = "CandleFlow"
	}
	return &CloudWatchPublisher{client: client, namespace: namespace}
}

// Handle is a MetricHandler; non-numeric values are ignored.
func (p *CloudWatchPublisher) Handle(m Metric) {
	value, ok := toFloat64(m.Value)
	if !ok {
		return
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(m.Component)}}
	for k, v := range m.Fields {
		if s, ok := v.(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}

	datum := cwtypes.MetricDatum{
		MetricName: aws.String(m.Name),
		Dimensions: dims,
		Timestamp:  aws.Time(m.Timestamp),
		Unit:       cwtypes.StandardUnitCount,
		Value:      aws.Float64(value),
	}

	p.mu.Lock()
	p.pending = append(p.pending, datum)
	p.mu.Unlock()
}

// Flush publishes everything buffered so far.
func (p *CloudWatchPublisher) Flush(ctx context.Context) error {
	p.mu.Lock()
	data := p.pending
	p.pending = nil
	p.mu.Unlock()

	for start := 0; start < len(data); start += cloudWatchBatchLimit {
		end := min(start+cloudWatchBatchLimit, len(data))
		if _, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(p.namespace),
			MetricData: data[start:end],
		}); err != nil {
			return fmt.Errorf("failed to publish CloudWatch metrics: %w", err)
		}
	}
	return nil
}

// Run registers the publisher and flushes every interval until ctx is cancelled,
// with a final flush on the way out.
func (p *CloudWatchPublisher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	id := RegisterMetricHandler(p.Handle)
	defer UnregisterMetricHandler(id)

	log := logger.GetLogger().WithComponent("cloudwatch")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := p.Flush(context.WithoutCancel(ctx)); err != nil {
				log.WithError(err).Warn("final CloudWatch flush failed")
			}
			return
		case <-ticker.C:
			if err := p.Flush(ctx); err != nil {
				log.WithError(err).Warn("CloudWatch flush failed")
			}
		}
	}
}
