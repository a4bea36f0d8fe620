package logger

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestWithEnv(t *testing.T) {
	os.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

type fakePublisher struct {
	data []*cloudwatch.PutMetricDataInput
}

func (f *fakePublisher) PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.data = append(f.data, in)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func (f *fakePublisher) PutDashboard(ctx context.Context, in *cloudwatch.PutDashboardInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error) {
	return &cloudwatch.PutDashboardOutput{}, nil
}

func TestLogMetricPublishesToCloudWatch(t *testing.T) {
	fake := &fakePublisher{}
	setCloudWatch(fake, "OptionFlowTest", "")
	t.Cleanup(func() { setCloudWatch(nil, "OptionFlow", "") })

	log := Logger()
	log.SetOutput(io.Discard)
	log.LogMetric("engine", "fetch_success", 3, "counter", Fields{"expiry": "26-Jun-2025"})
	log.LogMetric("engine", "label_only", "n/a", "gauge", nil)

	if len(fake.data) != 1 {
		t.Fatalf("expected one publish, got %d", len(fake.data))
	}
	in := fake.data[0]
	if *in.Namespace != "OptionFlowTest" {
		t.Fatalf("unexpected namespace %s", *in.Namespace)
	}
	datum := in.MetricData[0]
	if *datum.MetricName != "fetch_success" || *datum.Value != 3 {
		t.Fatalf("unexpected datum: %s=%v", *datum.MetricName, *datum.Value)
	}
	if len(datum.Dimensions) != 2 {
		t.Fatalf("expected component and expiry dimensions, got %d", len(datum.Dimensions))
	}
}

func TestWarnCountsPerComponent(t *testing.T) {
	log := Logger()
	log.SetOutput(io.Discard)
	log.WithComponent("report_test").Warn("first")
	log.WithComponent("report_test").Error("second")

	cs := componentStats("report_test")
	if cs.warns != 1 || cs.errors != 1 {
		t.Fatalf("unexpected component stats: %+v", cs)
	}
}

func TestCounters(t *testing.T) {
	before := Counters()
	IncrementFetchSuccess()
	IncrementFetchError()
	IncrementSinkWrite(128)
	after := Counters()
	if after.FetchSuccess != before.FetchSuccess+1 || after.FetchErrors != before.FetchErrors+1 {
		t.Fatalf("fetch counters not incremented: %+v -> %+v", before, after)
	}
	if after.SinkBytes != before.SinkBytes+128 {
		t.Fatalf("sink bytes not recorded: %+v", after)
	}
}

func TestWithExpiry(t *testing.T) {
	entry := Logger().WithComponent("engine").WithExpiry("26-Jun-2025")
	if v := entry.Entry.Data["expiry"]; v != "26-Jun-2025" {
		t.Fatalf("expiry field missing: %v", entry.Entry.Data)
	}
	if entry.WithExpiry("") != entry {
		t.Fatal("empty expiry should leave the entry unchanged")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	if err := Logger().Configure("debug", "xml", "stdout", 0); err == nil {
		t.Fatal("expected error for invalid format")
	}
}

func TestParseLevelReport(t *testing.T) {
	lvl, err := parseLevel("REPORT")
	if err != nil || lvl.String() != "info" {
		t.Fatalf("report level = %v, %v", lvl, err)
	}
}
