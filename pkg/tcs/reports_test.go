package tcs

import (
	"io/ioutil"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewReportWriterRequiresDirectory(t *testing.T) {

	_, err := NewReportWriter(&ReportConfig{}, nil, nil, "", zap.NewNop())
	assert.Error(t, err)

	_, err = NewReportWriter(nil, nil, nil, "", zap.NewNop())
	assert.Error(t, err)
}

func TestWriteStatsReportRoundTrip(t *testing.T) {
	defer leaktest.Check(t)()

	srv := startTestSSHServer(t)
	defer srv.Close()

	pool, err := NewSessionPool(testSeasoning(srv, 1), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, pool.Start())
	defer pool.Shutdown()

	rw, err := NewReportWriter(
		&ReportConfig{Directory: t.TempDir()},
		pool, nil, "", zap.NewNop())
	require.NoError(t, err)

	path, err := rw.WriteStatsReport()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ".json"))

	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)

	stats := &PoolStatistics{}
	require.NoError(t, ReadReportPayload(data, "", stats))
	assert.EqualValues(t, 1, stats.ActiveSlots)
	assert.NotEmpty(t, stats.Timestamp)
}

func TestWriteHealthReportCompressed(t *testing.T) {
	defer leaktest.Check(t)()

	port, closer := openLocalPort(t)
	defer closer()

	monitor := NewHealthMonitor(localMonitorConfig(port), zap.NewNop())
	monitor.Probe("127.0.0.1")

	rw, err := NewReportWriter(
		&ReportConfig{Directory: t.TempDir(), CompressionType: ZstdCompressionType},
		nil, monitor, "127.0.0.1", zap.NewNop())
	require.NoError(t, err)

	path, err := rw.WriteHealthReport()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ".json.zst"))

	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)

	summary := &HealthSummary{}
	require.NoError(t, ReadReportPayload(data, ZstdCompressionType, summary))
	assert.Equal(t, "127.0.0.1", summary.Host)
	assert.Equal(t, 100, summary.Score)
	assert.Equal(t, 1, summary.SampleCount)
}

func TestReportWriterConcurrentStartStop(t *testing.T) {
	defer leaktest.Check(t)()

	port, closer := openLocalPort(t)
	defer closer()

	monitor := NewHealthMonitor(localMonitorConfig(port), zap.NewNop())

	rw, err := NewReportWriter(
		&ReportConfig{Directory: t.TempDir(), Interval: 1},
		nil, monitor, "127.0.0.1", zap.NewNop())
	require.NoError(t, err)

	// Start and Stop racing each other must never close a nil or stale channel.
	wg := &sync.WaitGroup{}
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = rw.Start()
				rw.Stop()
			}
		}()
	}
	wg.Wait()

	rw.Stop()
}

func TestReportWriterWritesOnInterval(t *testing.T) {
	defer leaktest.Check(t)()

	port, closer := openLocalPort(t)
	defer closer()

	config := localMonitorConfig(port)
	config.ProbeCount = 1
	monitor := NewHealthMonitor(config, zap.NewNop())
	monitor.Probe("127.0.0.1")

	directory := t.TempDir()
	rw, err := NewReportWriter(
		&ReportConfig{Directory: directory, Interval: 1},
		nil, monitor, "127.0.0.1", zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, rw.Start())
	assert.Error(t, rw.Start()) // already running

	assert.Eventually(t, func() bool {
		entries, readErr := ioutil.ReadDir(directory)
		return readErr == nil && len(entries) >= 1
	}, 5*time.Second, 100*time.Millisecond)

	rw.Stop()
	rw.Stop() // idempotent
}
