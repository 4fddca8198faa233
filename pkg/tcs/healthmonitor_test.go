package tcs

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// openLocalPort returns a listening TCP port on loopback.
func openLocalPort(t *testing.T) (uint32, func()) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	_, portString, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portString)

	return uint32(port), func() { _ = listener.Close() }
}

// closedLocalPort returns a loopback port with nothing listening on it.
func closedLocalPort(t *testing.T) uint32 {
	t.Helper()

	port, closer := openLocalPort(t)
	closer()
	return port
}

func localMonitorConfig(ports ...uint32) *MonitorConfig {
	return &MonitorConfig{
		ProbeCount:   3,
		ProbeTimeout: 2,
		ProbePort:    ports[0],
		FilterPorts:  ports,
		DNSTimeout:   2,
	}
}

// addSample injects a synthetic sample, bypassing the network.
func addSample(hm *HealthMonitor, host string, latencyMillis int64, lossPercent float64, firewall, dnsFailed bool, dnsMillis int64) {
	sent := 10
	succeeded := int(float64(sent) * (100 - lossPercent) / 100)

	hm.historyFor(host).add(&HealthSample{
		Host:              host,
		Timestamp:         time.Now().UTC(),
		DNSFailed:         dnsFailed,
		DNSResolveMillis:  dnsMillis,
		LatencyMillis:     latencyMillis,
		PacketLossPercent: lossPercent,
		FirewallIssues:    firewall,
		ProbesSent:        sent,
		ProbesSucceeded:   succeeded,
	})
}

func TestProbeHealthyLocalTarget(t *testing.T) {
	defer leaktest.Check(t)()

	port, closer := openLocalPort(t)
	defer closer()

	hm := NewHealthMonitor(localMonitorConfig(port), zap.NewNop())

	sample := hm.Probe("127.0.0.1")
	assert.False(t, sample.DNSFailed)
	assert.Equal(t, 3, sample.ProbesSent)
	assert.Equal(t, 3, sample.ProbesSucceeded)
	assert.Zero(t, sample.PacketLossPercent)
	assert.False(t, sample.FirewallIssues)

	assert.Equal(t, 100, hm.Score("127.0.0.1"))

	recommendations := hm.Recommendations("127.0.0.1")
	require.Len(t, recommendations, 1)
	assert.Contains(t, recommendations[0], "looks healthy")
}

func TestProbeUnreachablePortCountsAsLoss(t *testing.T) {
	defer leaktest.Check(t)()

	port := closedLocalPort(t)

	hm := NewHealthMonitor(localMonitorConfig(port), zap.NewNop())

	sample := hm.Probe("127.0.0.1")
	assert.Equal(t, 0, sample.ProbesSucceeded)
	assert.InDelta(t, 100.0, sample.PacketLossPercent, 0.001)
	assert.False(t, sample.FirewallIssues) // all ports down is an outage, not filtering

	assert.Equal(t, 70, hm.Score("127.0.0.1")) // max loss penalty only

	recommendations := hm.Recommendations("127.0.0.1")
	assert.Contains(t, recommendations[0], "Packet loss")
}

func TestProbeDetectsSelectivePortFiltering(t *testing.T) {
	defer leaktest.Check(t)()

	openPort, closer := openLocalPort(t)
	defer closer()
	closedPort := closedLocalPort(t)

	config := localMonitorConfig(openPort, closedPort)
	hm := NewHealthMonitor(config, zap.NewNop())

	sample := hm.Probe("127.0.0.1")
	assert.True(t, sample.FirewallIssues)
	assert.LessOrEqual(t, hm.Score("127.0.0.1"), 85)

	recommendations := hm.Recommendations("127.0.0.1")
	assert.Contains(t, strings.Join(recommendations, "\n"), "filtering")
}

func TestScoreEmptyWindowIsPerfect(t *testing.T) {
	hm := NewHealthMonitor(nil, zap.NewNop())
	assert.Equal(t, 100, hm.Score("never-probed.example"))
}

func TestScoreMonotonicInPacketLoss(t *testing.T) {
	hm := NewHealthMonitor(nil, zap.NewNop())

	previous := 101
	for _, loss := range []float64{0, 2, 5, 10, 20, 40} {
		host := "loss-" + strconv.FormatFloat(loss, 'f', 0, 64)
		addSample(hm, host, 10, loss, false, false, 5)

		score := hm.Score(host)
		assert.LessOrEqual(t, score, previous, "score must not increase as loss grows")
		previous = score
	}
}

func TestScoreMonotonicInLatency(t *testing.T) {
	hm := NewHealthMonitor(nil, zap.NewNop())

	previous := 101
	for _, latency := range []int64{20, 80, 150, 250, 400} {
		host := "latency-" + strconv.FormatInt(latency, 10)
		addSample(hm, host, latency, 0, false, false, 5)

		score := hm.Score(host)
		assert.LessOrEqual(t, score, previous, "score must not increase as latency grows")
		previous = score
	}
}

func TestScoreDegenerateWindowIsNearZero(t *testing.T) {
	hm := NewHealthMonitor(nil, zap.NewNop())

	addSample(hm, "degenerate.example", 1000, 90, true, true, 5000)

	assert.LessOrEqual(t, hm.Score("degenerate.example"), 15)
	assert.False(t, hm.ReconnectAdvisable("degenerate.example"))
}

func TestReconnectAdvisableWithNoSamples(t *testing.T) {
	hm := NewHealthMonitor(nil, zap.NewNop())
	assert.True(t, hm.ReconnectAdvisable("fresh.example"))
}

func TestRecommendationsCoverEveryThreshold(t *testing.T) {
	hm := NewHealthMonitor(nil, zap.NewNop())

	addSample(hm, "troubled.example", 300, 5, true, false, 3000)

	recommendations := hm.Recommendations("troubled.example")
	require.Len(t, recommendations, 4)

	joined := strings.Join(recommendations, "\n")
	assert.Contains(t, joined, "High latency")
	assert.Contains(t, joined, "Packet loss")
	assert.Contains(t, joined, "filtering")
	assert.Contains(t, joined, "DNS")
}

func TestHistoryEvictsOldestBeyondCapacity(t *testing.T) {
	hm := NewHealthMonitor(&MonitorConfig{HistoryCapacity: 5}, zap.NewNop())

	for i := int64(0); i < 8; i++ {
		addSample(hm, "ring.example", i, 0, false, false, 1)
	}

	samples := hm.historyFor("ring.example").snapshot()
	require.Len(t, samples, 5)
	assert.EqualValues(t, 3, samples[0].LatencyMillis) // oldest three were dropped
	assert.EqualValues(t, 7, samples[4].LatencyMillis)
}

func TestSummaryAggregatesWindow(t *testing.T) {
	hm := NewHealthMonitor(nil, zap.NewNop())

	addSample(hm, "summary.example", 100, 0, false, false, 5)
	addSample(hm, "summary.example", 200, 10, false, false, 5)

	summary := hm.Summary("summary.example")
	assert.Equal(t, "summary.example", summary.Host)
	assert.Equal(t, 2, summary.SampleCount)
	assert.InDelta(t, 150.0, summary.AverageLatencyMillis, 0.001)
	assert.InDelta(t, 5.0, summary.AveragePacketLoss, 0.001)
	assert.NotEmpty(t, summary.Recommendations)
	assert.NotEmpty(t, summary.Timestamp)
}

func TestContinuousMonitoringConcurrentStartStop(t *testing.T) {
	defer leaktest.Check(t)()

	port, closer := openLocalPort(t)
	defer closer()

	config := localMonitorConfig(port)
	config.ProbeCount = 1
	config.SampleInterval = 1

	hm := NewHealthMonitor(config, zap.NewNop())

	// Start and Stop racing each other must never close a nil or stale channel.
	wg := &sync.WaitGroup{}
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = hm.Start("127.0.0.1")
				hm.Stop()
			}
		}()
	}
	wg.Wait()

	hm.Stop()
}

func TestContinuousMonitoringStopsCleanly(t *testing.T) {
	defer leaktest.Check(t)()

	port, closer := openLocalPort(t)
	defer closer()

	config := localMonitorConfig(port)
	config.ProbeCount = 1
	config.SampleInterval = 1

	hm := NewHealthMonitor(config, zap.NewNop())
	require.NoError(t, hm.Start("127.0.0.1"))
	assert.Error(t, hm.Start("127.0.0.1")) // already running

	assert.Eventually(t, func() bool {
		return hm.Summary("127.0.0.1").SampleCount >= 1
	}, 5*time.Second, 100*time.Millisecond)

	hm.Stop()
	hm.Stop() // idempotent
}

