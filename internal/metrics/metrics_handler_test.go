package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"candleflow/config"
	"candleflow/logger"
)

func resetMetricHandlers() {
	metricHandlersMu.Lock()
	metricHandlers = make(map[MetricHandlerID]MetricHandler)
	nextMetricHandlerID = 0
	metricHandlersMu.Unlock()
}

func TestRegisterMetricHandlerReturnsUniqueIDs(t *testing.T) {
	resetMetricHandlers()

	id := RegisterMetricHandler(func(Metric) {})
	if id == 0 {
		t.Fatalf("expected non-zero handler id")
	}

	second := RegisterMetricHandler(func(Metric) {})
	if second == 0 || second == id {
		t.Fatalf("expected unique handler id")
	}
}

func TestRegisterMetricHandlerNil(t *testing.T) {
	resetMetricHandlers()

	if id := RegisterMetricHandler(nil); id != 0 {
		t.Fatalf("expected zero id for nil handler, got %d", id)
	}
}

func TestEmitMetricDispatchesToHandlers(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) { events <- m })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	fields := logger.Fields{"symbol": "BTCUSDT"}
	EmitMetric(logger.Logger(), "downloader", "bars_fetched", 1000, "counter", fields)

	select {
	case event := <-events:
		if event.Component != "downloader" || event.Name != "bars_fetched" {
			t.Fatalf("unexpected event: %+v", event)
		}
		if _, ok := fields["metric"]; ok {
			t.Fatalf("original fields mutated: %v", fields)
		}
		if _, ok := event.Fields["metric"]; ok {
			t.Fatalf("event fields should not contain metric key: %v", event.Fields)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked")
	}
}

func TestEmitMetricDefaultType(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) { events <- m })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	EmitMetric(nil, "replayer", "windows", 7, "", nil)

	select {
	case event := <-events:
		if event.Type != "counter" {
			t.Fatalf("expected default metric type to be counter, got %s", event.Type)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked for default type")
	}
}

func TestEmitMetricWithoutName(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) { events <- m })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	EmitMetric(nil, "component", "", 1, "counter", nil)

	select {
	case <-events:
		t.Fatal("handler should not receive metrics without a name")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestConfigureFeatures(t *testing.T) {
	Configure(config.MetricsConfig{UsedWeight: false, ChannelSize: true})
	t.Cleanup(func() { Configure(config.MetricsConfig{UsedWeight: true, ChannelSize: true}) })

	if IsFeatureEnabled(FeatureUsedWeight) {
		t.Fatalf("used weight should be disabled")
	}
	if !IsFeatureEnabled(FeatureChannelSize) {
		t.Fatalf("channel size should be enabled")
	}
}

func TestStartChannelSizeMetrics(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 4)
	id := RegisterMetricHandler(func(m Metric) {
		select {
		case events <- m:
		default:
		}
	})
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	buf := make(chan int, 10)
	buf <- 1
	buf <- 2

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartChannelSizeMetrics(ctx, "downloader_output", func() (int, int) { return len(buf), cap(buf) }, 5*time.Millisecond)

	select {
	case event := <-events:
		if event.Name != "downloader_output_buffer_length" || event.Value != 2 {
			t.Fatalf("unexpected event: %+v", event)
		}
		if event.Fields["capacity"] != 10 {
			t.Fatalf("unexpected capacity: %v", event.Fields)
		}
	case <-time.After(time.Second):
		t.Fatal("no occupancy metric emitted")
	}
}

func TestPrometheusObserve(t *testing.T) {
	Init()

	observe(Metric{Component: "downloader", Name: "output_capacity", Value: 12, Type: "gauge"})
	if got := testutil.ToFloat64(gauges.WithLabelValues("downloader", "output_capacity")); got != 12 {
		t.Fatalf("unexpected gauge value %v", got)
	}

	observe(Metric{Component: "storage", Name: "bars_inserted", Value: 5, Type: "counter"})
	observe(Metric{Component: "storage", Name: "bars_inserted", Value: 3, Type: "counter"})
	if got := testutil.ToFloat64(counters.WithLabelValues("storage", "bars_inserted")); got != 8 {
		t.Fatalf("unexpected counter value %v", got)
	}
}

type fakeCloudWatch struct {
	mu     sync.Mutex
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (f *fakeCloudWatch) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, f.err
}

func TestCloudWatchPublisherFlush(t *testing.T) {
	client := &fakeCloudWatch{}
	pub := NewCloudWatchPublisherWithClient(client, "")

	pub.Handle(Metric{Component: "downloader", Name: "bars_fetched", Value: 10, Fields: logger.Fields{"timeframe": "3m"}, Timestamp: time.Now()})
	pub.Handle(Metric{Component: "downloader", Name: "note", Value: "text"})

	if err := pub.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(client.inputs) != 1 {
		t.Fatalf("expected one request, got %d", len(client.inputs))
	}
	in := client.inputs[0]
	if *in.Namespace != "CandleFlow" {
		t.Fatalf("unexpected namespace %s", *in.Namespace)
	}
	if len(in.MetricData) != 1 || len(in.MetricData[0].Dimensions) != 2 {
		t.Fatalf("unexpected metric data: %+v", in.MetricData)
	}

	if err := pub.Flush(context.Background()); err != nil || len(client.inputs) != 1 {
		t.Fatalf("empty flush must not call CloudWatch")
	}
}

func TestCloudWatchPublisherFlushError(t *testing.T) {
	client := &fakeCloudWatch{err: errors.New("throttled")}
	pub := NewCloudWatchPublisherWithClient(client, "Test")
	pub.Handle(Metric{Component: "c", Name: "n", Value: 1.0})

	if err := pub.Flush(context.Background()); err == nil {
		t.Fatalf("expected flush error")
	}
}
