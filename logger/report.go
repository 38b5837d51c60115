package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Counter names published by the runtime report.
const (
	FramesReceived   = "frames_received"
	Reconnects       = "reconnects"
	OutboxDropped    = "outbox_dropped"
	RatiosPublished  = "ratios_published"
	RatiosSuppressed = "ratios_suppressed"
	SamplesProcessed = "samples_processed"
	SamplesCoalesced = "samples_coalesced"
	OrdersMatched    = "orders_matched"
	TradesPlanned    = "trades_planned"
	TradesExecuted   = "trades_executed"
	TradesSettled    = "trades_settled"
	TradesFailed     = "trades_failed"
	ArchiveUploads   = "archive_uploads"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	counters sync.Map // map[string]*int64
	warns    sync.Map // component -> *int64
	errs     sync.Map // component -> *int64
	channels sync.Map // map[string]*channelStat
)

func bump(m *sync.Map, key string, n int64) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), n)
}

func snapshot(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

func recordWarn(component string)  { bump(&warns, component, 1) }
func recordError(component string) { bump(&errs, component, 1) }

// Incr adds n to the named counter.
func Incr(name string, n int64) {
	bump(&counters, name, n)
}

// Counter returns the current value of the named counter.
func Counter(name string) int64 {
	if v, ok := counters.Load(name); ok {
		return atomic.LoadInt64(v.(*int64))
	}
	return 0
}

// RecordChannelMessage tracks traffic through a named hand-off channel.
func RecordChannelMessage(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport logs process and pipeline statistics every interval until ctx
// is cancelled, publishing them to CloudWatch when it is configured.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPct := 0.0
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	memUsedMB := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		memUsedMB = float64(vm.Used) / 1024 / 1024
	}
	var bytesSent, bytesRecv uint64
	if netStats, err := gnet.IOCounters(false); err == nil && len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	counts := snapshot(&counters)
	log.WithComponent("report").WithFields(Fields{
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memUsedMB),
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
		"counters":       counts,
		"warns":          snapshot(&warns),
		"errors":         snapshot(&errs),
		"channels":       channelData,
	}).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memUsedMB)},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
	}

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(counts[name])),
		})
	}
	for component, n := range snapshot(&errs) {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String("Errors"),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(component)}},
			Value:      aws.Float64(float64(n)),
		})
	}

	publishMetrics(ctx, data)
}
