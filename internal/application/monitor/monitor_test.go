package monitor

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aescanero/dagrun/pkg/adapters/storage/memory"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const frame = `{"read":"2024-05-01T10:00:00Z",` +
	`"cpu_stats":{"cpu_usage":{"total_usage":3000},"system_cpu_usage":20000,"online_cpus":2},` +
	`"precpu_stats":{"cpu_usage":{"total_usage":1000},"system_cpu_usage":10000},` +
	`"memory_stats":{"usage":52428800,"limit":104857600},` +
	`"networks":{"eth0":{"rx_bytes":1024,"tx_bytes":2048},"eth1":{"rx_bytes":1024,"tx_bytes":0}},` +
	`"blkio_stats":{"io_service_bytes_recursive":[{"op":"Read","value":1048576},{"op":"Write","value":3145728},{"op":"read","value":1048576}]}}`

func TestParseFrame(t *testing.T) {
	sample, err := ParseFrame("wf-1", []byte(frame))
	require.NoError(t, err)

	// (2000/10000) * 2 cores * 100
	assert.InDelta(t, 40.0, sample.CPUPercent, 0.0001)
	assert.InDelta(t, 50.0, sample.MemoryUsageMB, 0.0001)
	assert.InDelta(t, 50.0, sample.MemoryPercent, 0.0001)
	assert.InDelta(t, 2.0, sample.NetworkInKB, 0.0001)
	assert.InDelta(t, 2.0, sample.NetworkOutKB, 0.0001)
	assert.InDelta(t, 2.0, sample.DiskReadMB, 0.0001)
	assert.InDelta(t, 3.0, sample.DiskWriteMB, 0.0001)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), sample.Timestamp.UTC())
}

func TestCPUPercent_ZeroSystemDelta(t *testing.T) {
	assert.Equal(t, 0.0, CPUPercent(100, 0, 4))
	assert.Equal(t, 0.0, CPUPercent(0, 100, 4))
	assert.Equal(t, 0.0, CPUPercent(-5, 100, 4))
	assert.Equal(t, 0.0, CPUPercent(100, -5, 4))
}

func TestParseFrame_FirstFrameHasNoDelta(t *testing.T) {
	raw := `{"cpu_stats":{"cpu_usage":{"total_usage":500,"percpu_usage":[250,250]},"system_cpu_usage":9000},` +
		`"precpu_stats":{"cpu_usage":{"total_usage":0},"system_cpu_usage":9000},` +
		`"memory_stats":{"usage":0,"limit":0}}`

	sample, err := ParseFrame("wf-1", []byte(raw))
	require.NoError(t, err)
	assert.Equal(t, 0.0, sample.CPUPercent)
	assert.Equal(t, 0.0, sample.MemoryPercent)
	assert.False(t, sample.Timestamp.IsZero())
}

func TestParseFrame_BadFrames(t *testing.T) {
	for name, raw := range map[string]string{
		"malformed": `{"cpu_stats": {`,
		"partial":   `{"read":"2024-05-01T10:00:00Z"}`,
		"stopping":  `{"read":"0001-01-01T00:00:00Z","cpu_stats":{"cpu_usage":{"total_usage":0}},"memory_stats":{}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFrame("wf-1", []byte(raw))
			var se *domain.MonitorSampleError
			assert.ErrorAs(t, err, &se)
		})
	}
}

type fakeSource struct {
	body string
}

func (f *fakeSource) Stats(ctx context.Context, name string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.body)), nil
}

func TestRun_SkipsBadFramesAndStoresGoodOnes(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemorySampleStorage()
	body := frame + "\n" + "not json\n" + "\n" + `{"read":"2024-05-01T10:00:01Z"}` + "\n" + frame + "\n"

	m := New(&fakeSource{body: body}, store, nil, zap.NewNop())
	require.NoError(t, m.Run(ctx, "wf-1", "wf-1"))

	samples, err := store.Samples(ctx, "wf-1", 0)
	require.NoError(t, err)
	assert.Len(t, samples, 2)
}

type blockingSource struct {
	reader *io.PipeReader
	writer *io.PipeWriter
}

func (b *blockingSource) Stats(ctx context.Context, name string) (io.ReadCloser, error) {
	return b.reader, nil
}

func TestRun_StopsOnCancel(t *testing.T) {
	reader, writer := io.Pipe()
	defer writer.Close()
	m := New(&blockingSource{reader: reader, writer: writer}, memory.NewInMemorySampleStorage(), nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, "wf-1", "wf-1") }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
