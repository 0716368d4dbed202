package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	updatesReceived    int64
	eventsFannedOut    int64
	listenerPanics     int64
	snapshotsPersisted int64
	warnCounts         sync.Map // map[string]*int64 keyed by component
	errorCounts        sync.Map // map[string]*int64 keyed by component
	channels           sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	v, _ := warnCounts.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordError(component string) {
	v, _ := errorCounts.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

// IncrementUpdateReceived counts one inbound data event from a connector.
func IncrementUpdateReceived(size int) {
	atomic.AddInt64(&updatesReceived, 1)
	recordChannel("connector_updates", size)
}

// IncrementFanout counts one event delivered to a fan-out listener.
func IncrementFanout() {
	atomic.AddInt64(&eventsFannedOut, 1)
}

// IncrementListenerPanic counts one recovered listener panic.
func IncrementListenerPanic() {
	atomic.AddInt64(&listenerPanics, 1)
}

// IncrementSnapshotPersisted counts one snapshot batch flushed to storage.
func IncrementSnapshotPersisted(size int64) {
	atomic.AddInt64(&snapshotsPersisted, 1)
	recordChannel("snapshot_persist", int(size))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of system and counter statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
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

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	warnData := map[string]int64{}
	warnCounts.Range(func(k, v any) bool {
		warnData[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	errorData := map[string]int64{}
	errorCounts.Range(func(k, v any) bool {
		errorData[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	fields := Fields{
		"updates_received":    atomic.LoadInt64(&updatesReceived),
		"events_fanned_out":   atomic.LoadInt64(&eventsFannedOut),
		"listener_panics":     atomic.LoadInt64(&listenerPanics),
		"snapshots_persisted": atomic.LoadInt64(&snapshotsPersisted),
		"warns":               warnData,
		"errors":              errorData,
		"goroutines":          runtime.NumGoroutine(),
		"cpu_percent":         cpuPct,
		"memory_mb":           int64(memStats.Used) / 1024 / 1024,
		"disk_mb":             int64(diskStats.Used) / 1024 / 1024,
		"channels":            channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		{MetricName: aws.String("UpdatesReceived"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&updatesReceived)))},
		{MetricName: aws.String("EventsFannedOut"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&eventsFannedOut)))},
		{MetricName: aws.String("ListenerPanics"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&listenerPanics)))},
		{MetricName: aws.String("SnapshotsPersisted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&snapshotsPersisted)))},
	}

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
