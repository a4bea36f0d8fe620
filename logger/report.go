package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type componentStat struct {
	warns  int64
	errors int64
}

var (
	fetchSuccess  int64
	fetchErrors   int64
	ticksDropped  int64
	staleDropped  int64
	sinkWrites    int64
	sinkBytes     int64
	componentLogs sync.Map // map[string]*componentStat
)

func componentStats(component string) *componentStat {
	v, _ := componentLogs.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&componentStats(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&componentStats(component).errors, 1)
}

func IncrementFetchSuccess() { atomic.AddInt64(&fetchSuccess, 1) }

func IncrementFetchError() { atomic.AddInt64(&fetchErrors, 1) }

func IncrementTickDropped() { atomic.AddInt64(&ticksDropped, 1) }

func IncrementStaleResponse() { atomic.AddInt64(&staleDropped, 1) }

// IncrementSinkWrite counts one export (kafka message or S3 object).
func IncrementSinkWrite(size int64) {
	atomic.AddInt64(&sinkWrites, 1)
	atomic.AddInt64(&sinkBytes, size)
}

// ReportCounters is a point-in-time copy of the report counters.
type ReportCounters struct {
	FetchSuccess   int64
	FetchErrors    int64
	TicksDropped   int64
	StaleResponses int64
	SinkWrites     int64
	SinkBytes      int64
}

func Counters() ReportCounters {
	return ReportCounters{
		FetchSuccess:   atomic.LoadInt64(&fetchSuccess),
		FetchErrors:    atomic.LoadInt64(&fetchErrors),
		TicksDropped:   atomic.LoadInt64(&ticksDropped),
		StaleResponses: atomic.LoadInt64(&staleDropped),
		SinkWrites:     atomic.LoadInt64(&sinkWrites),
		SinkBytes:      atomic.LoadInt64(&sinkBytes),
	}
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of host statistics and fetch counters.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	netStats, _ := gnet.IOCounters(false)

	logs := map[string]map[string]int64{}
	componentLogs.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		logs[k.(string)] = map[string]int64{
			"warns":  atomic.LoadInt64(&cs.warns),
			"errors": atomic.LoadInt64(&cs.errors),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memoryMB := 0.0
	if memStats != nil {
		memoryMB = float64(memStats.Used) / 1024 / 1024
	}
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesRecv = netStats[0].BytesRecv
	}

	c := Counters()
	log.WithComponent("report").WithFields(Fields{
		"fetch_success":   c.FetchSuccess,
		"fetch_errors":    c.FetchErrors,
		"ticks_dropped":   c.TicksDropped,
		"stale_responses": c.StaleResponses,
		"sink_writes":     c.SinkWrites,
		"sink_bytes":      c.SinkBytes,
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       int64(memoryMB),
		"net_bytes_recv":  int64(bytesRecv),
		"component_logs":  logs,
	}).Info("runtime report")

	publishMetrics(ctx, []cwtypes.MetricDatum{
		{MetricName: aws.String("OptionFlow-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("OptionFlow-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memoryMB)},
		{MetricName: aws.String("OptionFlow-FetchSuccess"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(c.FetchSuccess))},
		{MetricName: aws.String("OptionFlow-FetchErrors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(c.FetchErrors))},
		{MetricName: aws.String("OptionFlow-TicksDropped"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(c.TicksDropped))},
		{MetricName: aws.String("OptionFlow-SinkWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(c.SinkWrites))},
	})
}
