// Package monitor samples the resource usage of a running sandbox from the
// container runtime's streaming stats feed.
package monitor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
	"github.com/docker/docker/api/types/container"
	"go.uber.org/zap"
)

const (
	bytesPerKB = 1024.0
	bytesPerMB = 1024.0 * 1024.0

	maxFrameSize = 1024 * 1024
)

// StatsSource opens the newline-delimited JSON stats stream of a sandbox.
// The stream ends when the sandbox stops.
type StatsSource interface {
	Stats(ctx context.Context, name string) (io.ReadCloser, error)
}

// Monitor turns raw stats frames into resource samples
type Monitor struct {
	source  StatsSource
	samples ports.SampleStore
	metrics ports.MetricsCollector
	logger  *zap.Logger
}

// New creates a resource monitor
func New(source StatsSource, samples ports.SampleStore, metrics ports.MetricsCollector, logger *zap.Logger) *Monitor {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Monitor{
		source:  source,
		samples: samples,
		metrics: metrics,
		logger:  logger,
	}
}

// Run samples sandboxName until the sandbox stops or ctx is done. Bad
// frames are logged and skipped.
func (m *Monitor) Run(ctx context.Context, workflowID, sandboxName string) error {
	stream, err := m.source.Stats(ctx, sandboxName)
	if err != nil {
		return fmt.Errorf("failed to open stats stream for %s: %w", sandboxName, err)
	}
	defer stream.Close()

	// unblock the scanner on cancellation
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()
	defer m.metrics.ForgetResourceSeries(workflowID)

	logger := m.logger.With(
		zap.String("workflow_id", workflowID),
		zap.String("sandbox", sandboxName))
	logger.Debug("resource monitor started")

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	count := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		sample, err := ParseFrame(sandboxName, line)
		if err != nil {
			logger.Warn("skipping stats sample", zap.Error(err))
			continue
		}

		if err := m.samples.AppendSample(ctx, workflowID, sample); err != nil && ctx.Err() == nil {
			logger.Warn("failed to store resource sample", zap.Error(err))
		}
		m.metrics.RecordResourceSample(workflowID, sample)
		count++
	}

	if ctx.Err() != nil {
		logger.Debug("resource monitor cancelled", zap.Int("samples", count))
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stats stream of %s broke: %w", sandboxName, err)
	}

	logger.Debug("resource monitor finished", zap.Int("samples", count))
	return nil
}

// ParseFrame converts one raw stats document into a sample. It returns a
// *domain.MonitorSampleError for malformed or partial frames.
func ParseFrame(sandbox string, raw []byte) (domain.ResourceSample, error) {
	var frame container.StatsResponse
	if err := json.Unmarshal(raw, &frame); err != nil {
		return domain.ResourceSample{}, &domain.MonitorSampleError{Sandbox: sandbox, Reason: "malformed frame", Err: err}
	}
	// The runtime sends zeroed CPU counters for a stopping container
	if frame.CPUStats.SystemUsage == 0 && frame.CPUStats.CPUUsage.TotalUsage == 0 {
		return domain.ResourceSample{}, &domain.MonitorSampleError{Sandbox: sandbox, Reason: "partial frame"}
	}

	sample := domain.ResourceSample{
		CPUPercent: CPUPercent(
			float64(frame.CPUStats.CPUUsage.TotalUsage)-float64(frame.PreCPUStats.CPUUsage.TotalUsage),
			float64(frame.CPUStats.SystemUsage)-float64(frame.PreCPUStats.SystemUsage),
			coreCount(frame.CPUStats),
		),
		MemoryUsageMB: float64(frame.MemoryStats.Usage) / bytesPerMB,
		MemoryPercent: MemoryPercent(frame.MemoryStats.Usage, frame.MemoryStats.Limit),
		Timestamp:     frame.Read,
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}

	var rx, tx uint64
	for _, n := range frame.Networks {
		rx += n.RxBytes
		tx += n.TxBytes
	}
	sample.NetworkInKB = float64(rx) / bytesPerKB
	sample.NetworkOutKB = float64(tx) / bytesPerKB

	var read, write uint64
	for _, entry := range frame.BlkioStats.IoServiceBytesRecursive {
		switch strings.ToLower(entry.Op) {
		case "read":
			read += entry.Value
		case "write":
			write += entry.Value
		}
	}
	sample.DiskReadMB = float64(read) / bytesPerMB
	sample.DiskWriteMB = float64(write) / bytesPerMB

	return sample, nil
}

// CPUPercent computes usage across all cores. It is 0 whenever either
// delta is not positive.
func CPUPercent(cpuDelta, systemDelta float64, cores int) float64 {
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}
	return cpuDelta / systemDelta * float64(cores) * 100
}

// MemoryPercent returns usage as a share of limit; 0 without a limit
func MemoryPercent(usage, limit uint64) float64 {
	if limit == 0 {
		return 0
	}
	return float64(usage) / float64(limit) * 100
}

func coreCount(s container.CPUStats) int {
	if s.OnlineCPUs > 0 {
		return int(s.OnlineCPUs)
	}
	if n := len(s.CPUUsage.PercpuUsage); n > 0 {
		return n
	}
	return 1
}
