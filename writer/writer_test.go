package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	kafka "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	appconfig "optionflow/config"
	"optionflow/internal/analytics"
	"optionflow/internal/channel"
	"optionflow/logger"
)

var fetchedAt = time.Date(2025, 6, 20, 4, 5, 6, 0, time.UTC)

func sampleSnapshot() analytics.Snapshot {
	return analytics.Snapshot{
		Expiry:    "26-Jun-2025",
		FetchedAt: fetchedAt,
		Spot:      decimal.NewNullDecimal(decimal.RequireFromString("24612.35")),
		ATM:       24600,
		Windows:   []int{1, 3},
		Rows: []analytics.Row{
			{
				Strike: 24600, CallVolume: 1500, PutVolume: 800, Signal: analytics.SignalCall,
				Key: true, Role: analytics.RoleATM,
				Intervals: []analytics.IntervalVolume{
					{Minutes: 1, Call: 10, Put: 5, Signal: analytics.SignalNone},
					{Minutes: 3, Call: 30, Put: 15, Signal: analytics.SignalNone},
				},
			},
			{
				Strike: 24650, CallVolume: 20, PutVolume: 40, Signal: analytics.SignalPut,
				Intervals: []analytics.IntervalVolume{
					{Minutes: 1, Call: 0, Put: 2, Signal: analytics.SignalPut},
					{Minutes: 3, Call: 1, Put: 4, Signal: analytics.SignalPut},
				},
			},
		},
	}
}

func testConfig() *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Optionflow.Version = "test"
	cfg.Storage.S3 = appconfig.S3Config{
		Enabled:       true,
		Bucket:        "optionflow-test",
		Region:        "ap-south-1",
		Prefix:        "/flows/",
		FlushInterval: time.Hour,
		Compression:   "snappy",
	}
	cfg.Storage.Kafka = appconfig.KafkaConfig{Enabled: true, Brokers: []string{"localhost:9092"}, Topic: "optionflow.snapshots"}
	return cfg
}

type fakePutter struct {
	mu    sync.Mutex
	calls []*s3.PutObjectInput
	body  [][]byte
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	f.body = append(f.body, data)
	return &s3.PutObjectOutput{}, nil
}

func init() {
	logger.GetLogger().SetOutput(io.Discard)
}

func TestRecordsFromSnapshot(t *testing.T) {
	records := recordsFromSnapshot(sampleSnapshot())
	require.Len(t, records, 4)

	first := records[0]
	require.Equal(t, "26-Jun-2025", first.Expiry)
	require.Equal(t, fetchedAt.UnixMilli(), first.FetchedAt)
	require.Equal(t, int32(1), first.WindowMin)
	require.Equal(t, "atm", first.Role)
	require.Equal(t, "-", first.WindowSignal)
	require.Equal(t, "Call", first.TotalSignal)
	require.InDelta(t, 24612.35, first.Spot, 1e-9)

	last := records[3]
	require.Equal(t, 24650.0, last.Strike)
	require.Equal(t, int64(4), last.PutDelta)
	require.Equal(t, "Put", last.WindowSignal)
}

func TestCreateParquetFile(t *testing.T) {
	w := newParquetWriter(testConfig(), nil, &fakePutter{})
	data, err := w.createParquetFile(recordsFromSnapshot(sampleSnapshot()))
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, []byte("PAR1")))
	require.True(t, bytes.HasSuffix(data, []byte("PAR1")))
}

func TestObjectKey(t *testing.T) {
	w := newParquetWriter(testConfig(), nil, &fakePutter{})
	key := w.objectKey("26-Jun-2025", fetchedAt)
	require.True(t, strings.HasPrefix(key, "flows/expiry=26-Jun-2025/year=2025/month=06/day=20/hour=04/26-Jun-2025_20250620040506_"), key)
	require.True(t, strings.HasSuffix(key, ".parquet"))
}

func TestParquetWriterFlushesOnShutdown(t *testing.T) {
	chans := channel.NewChannels(4)
	sub := chans.Subscribe("s3")
	putter := &fakePutter{}
	w := newParquetWriter(testConfig(), sub, putter)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	require.Error(t, w.Start(ctx))

	require.Equal(t, 1, chans.Publish(sampleSnapshot()))
	empty := sampleSnapshot()
	empty.Rows = nil
	chans.Publish(empty)

	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.buffer["26-Jun-2025"]) == 4
	}, time.Second, 5*time.Millisecond)

	cancel()
	w.Stop()

	require.Len(t, putter.calls, 1)
	call := putter.calls[0]
	require.Equal(t, "optionflow-test", *call.Bucket)
	require.Contains(t, *call.Key, "expiry=26-Jun-2025")
	require.Equal(t, "snappy", call.Metadata["compression"])
	require.True(t, bytes.HasPrefix(putter.body[0], []byte("PAR1")))
	require.Equal(t, int64(1), w.stats.FilesWritten)
}

type fakeMessageWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (f *fakeMessageWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeMessageWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeMessageWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func TestNewKafkaWriterRequiresBrokers(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Kafka.Brokers = nil
	_, err := NewKafkaWriter(cfg, nil)
	require.Error(t, err)
}

func TestKafkaWriterStreamsSnapshots(t *testing.T) {
	chans := channel.NewChannels(4)
	sub := chans.Subscribe("kafka")
	kw, err := NewKafkaWriter(testConfig(), sub)
	require.NoError(t, err)
	fake := &fakeMessageWriter{}
	kw.writer = fake

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, kw.Start(ctx))

	empty := sampleSnapshot()
	empty.Rows = nil
	chans.Publish(empty)
	chans.Publish(sampleSnapshot())

	require.Eventually(t, func() bool { return fake.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	kw.Stop()
	require.True(t, fake.closed)

	msg := fake.msgs[0]
	require.Equal(t, "26-Jun-2025", string(msg.Key))
	require.Equal(t, fetchedAt, msg.Time)
	require.Len(t, msg.Headers, 1)
	require.Equal(t, "snapshot_id", msg.Headers[0].Key)

	var decoded analytics.Snapshot
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	require.Equal(t, int64(24600), decoded.ATM)
	require.Len(t, decoded.Rows, 2)
}

func stopWithin(t *testing.T, stop func(), d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("Stop did not return")
	}
}

func TestParquetWriterStopWithoutCancel(t *testing.T) {
	chans := channel.NewChannels(4)
	sub := chans.Subscribe("s3")
	putter := &fakePutter{}
	w := newParquetWriter(testConfig(), sub, putter)

	require.NoError(t, w.Start(context.Background()))
	chans.Publish(sampleSnapshot())
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.buffer["26-Jun-2025"]) == 4
	}, time.Second, 5*time.Millisecond)

	stopWithin(t, w.Stop, 2*time.Second)
	require.Len(t, putter.calls, 1)

	// A second Stop is a no-op.
	stopWithin(t, w.Stop, time.Second)
}

func TestKafkaWriterStopWithoutCancel(t *testing.T) {
	chans := channel.NewChannels(4)
	kw, err := NewKafkaWriter(testConfig(), chans.Subscribe("kafka"))
	require.NoError(t, err)
	fake := &fakeMessageWriter{}
	kw.writer = fake

	require.NoError(t, kw.Start(context.Background()))
	stopWithin(t, kw.Stop, 2*time.Second)
	require.True(t, fake.closed)
}
