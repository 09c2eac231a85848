// Package monitor samples host utilization on a governor and ships the
// samples to the server event log as Monitoring events.
package monitor

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	gnet "github.com/shirou/gopsutil/v4/net"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

// sampleInterval is how often a sample is taken and pushed.
const sampleInterval = 5 * time.Second

// Sampler collects MetricsSample snapshots.
type Sampler struct {
	log *logger.Logger
}

func NewSampler(log *logger.Logger) *Sampler {
	return &Sampler{log: log.WithComponent("monitor")}
}

// Sample takes one utilization snapshot. Per-CPU usage is reported in whole
// percent; network counters are cumulative [recv, sent] bytes per
// interface.
func (s *Sampler) Sample(ctx context.Context) (v1.MetricsSample, error) {
	sample := v1.MetricsSample{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		NetStat:   make(map[string][]uint64),
	}

	percents, err := cpu.PercentWithContext(ctx, 0, true)
	if err != nil {
		return sample, err
	}
	for _, p := range percents {
		sample.CPUUsage = append(sample.CPUUsage, int(p+0.5))
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return sample, err
	}
	sample.MemUsage = int(vm.UsedPercent + 0.5)

	counters, err := gnet.IOCountersWithContext(ctx, false)
	if err == nil {
		for _, c := range counters {
			sample.NetStat[c.Name] = []uint64{c.BytesRecv, c.BytesSent}
		}
	}
	return sample, nil
}

// Run samples periodically and hands each snapshot to push until ctx is
// cancelled.
func (s *Sampler) Run(ctx context.Context, push func(v1.MetricsSample)) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := s.Sample(ctx)
			if err != nil {
				s.log.Debug("metrics sampling failed", zap.Error(err))
				continue
			}
			push(sample)
		}
	}
}
