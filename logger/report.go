package logger

import (
	"context"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

var (
	framesRead    int64
	bytesRead     int64
	tradesDerived int64
	reconnects    int64
	resyncs       int64
	storeWrites   int64
	storeErrors   int64
	archived      int64
	archiveDrops  int64
	warnsWorker   int64
	errorsWorker  int64
	warnsWriter   int64
	errorsWriter  int64
)

func recordWarn(component string) {
	switch {
	case strings.HasPrefix(component, "worker"), strings.HasPrefix(component, "supervisor"):
		atomic.AddInt64(&warnsWorker, 1)
	case strings.HasSuffix(component, "publisher"), strings.HasSuffix(component, "archive"):
		atomic.AddInt64(&warnsWriter, 1)
	}
}

func recordError(component string) {
	switch {
	case strings.HasPrefix(component, "worker"), strings.HasPrefix(component, "supervisor"):
		atomic.AddInt64(&errorsWorker, 1)
	case strings.HasSuffix(component, "publisher"), strings.HasSuffix(component, "archive"):
		atomic.AddInt64(&errorsWriter, 1)
	}
}

func IncrementFramesRead(size int) {
	atomic.AddInt64(&framesRead, 1)
	atomic.AddInt64(&bytesRead, int64(size))
}

func IncrementTrades(n int)    { atomic.AddInt64(&tradesDerived, int64(n)) }
func IncrementReconnects()     { atomic.AddInt64(&reconnects, 1) }
func IncrementResyncs()        { atomic.AddInt64(&resyncs, 1) }
func IncrementStoreWrites()    { atomic.AddInt64(&storeWrites, 1) }
func IncrementStoreErrors()    { atomic.AddInt64(&storeErrors, 1) }
func IncrementArchived(n int)  { atomic.AddInt64(&archived, int64(n)) }
func IncrementArchiveDropped() { atomic.AddInt64(&archiveDrops, 1) }

// Counters returns a point in time copy of the process counters.
func Counters() map[string]int64 {
	return map[string]int64{
		"frames_read":   atomic.LoadInt64(&framesRead),
		"bytes_read":    atomic.LoadInt64(&bytesRead),
		"trades":        atomic.LoadInt64(&tradesDerived),
		"reconnects":    atomic.LoadInt64(&reconnects),
		"resyncs":       atomic.LoadInt64(&resyncs),
		"store_writes":  atomic.LoadInt64(&storeWrites),
		"store_errors":  atomic.LoadInt64(&storeErrors),
		"archived":      atomic.LoadInt64(&archived),
		"archive_drops": atomic.LoadInt64(&archiveDrops),
		"warns_worker":  atomic.LoadInt64(&warnsWorker),
		"errors_worker": atomic.LoadInt64(&errorsWorker),
		"warns_writer":  atomic.LoadInt64(&warnsWriter),
		"errors_writer": atomic.LoadInt64(&errorsWriter),
	}
}

// StartReport logs the counters every interval and publishes them to
// CloudWatch when a client was initialised.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		return
	}
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
	counters := Counters()
	var heap runtime.MemStats
	runtime.ReadMemStats(&heap)

	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	fields := Fields{
		"goroutines": runtime.NumGoroutine(),
		"heap_mb":    int64(heap.HeapAlloc) / 1024 / 1024,
		"cpu_pct":    cpuPct,
	}
	if memStats != nil {
		fields["memory_mb"] = int64(memStats.Used) / 1024 / 1024
		fields["memory_pct"] = memStats.UsedPercent
	}
	if diskStats != nil {
		fields["disk_pct"] = diskStats.UsedPercent
	}
	if len(netStats) > 0 {
		fields["net_bytes_sent"] = netStats[0].BytesSent
		fields["net_bytes_recv"] = netStats[0].BytesRecv
	}
	for k, v := range counters {
		fields[k] = v
	}
	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := make([]cwtypes.MetricDatum, 0, len(counters)+2)
	for k, v := range counters {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(metricName(k)),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(v)),
		})
	}
	data = append(data,
		cwtypes.MetricDatum{
			MetricName: aws.String("HeapMB"),
			Unit:       cwtypes.StandardUnitMegabytes,
			Value:      aws.Float64(float64(heap.HeapAlloc) / 1024 / 1024),
		},
		cwtypes.MetricDatum{
			MetricName: aws.String("CPUPercent"),
			Unit:       cwtypes.StandardUnitPercent,
			Value:      aws.Float64(cpuPct),
		},
	)
	publishMetrics(ctx, data)
}

// metricName turns frames_read into FramesRead.
func metricName(key string) string {
	parts := strings.Split(key, "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "")
}
