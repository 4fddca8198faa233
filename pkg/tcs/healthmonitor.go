package tcs

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map"
	"go.uber.org/zap"
)

const (
	filterDialTimeout    = 2 * time.Second
	breachScoreThreshold = 50
	reconnectScoreFloor  = 25
)

// HealthSample is the immutable result of one network probe against a target host.
type HealthSample struct {
	Host              string    `json:"Host"`
	Timestamp         time.Time `json:"Timestamp"`
	DNSFailed         bool      `json:"DNSFailed"`
	DNSResolveMillis  int64     `json:"DNSResolveMillis"`
	LatencyMillis     int64     `json:"LatencyMillis"`
	PacketLossPercent float64   `json:"PacketLossPercent"`
	FirewallIssues    bool      `json:"FirewallIssues"`
	ProbesSent        int       `json:"ProbesSent"`
	ProbesSucceeded   int       `json:"ProbesSucceeded"`
}

// HealthSummary aggregates the recent sample window for a target host.
type HealthSummary struct {
	Host                 string   `json:"Host"`
	Score                int      `json:"Score"`
	Recommendations      []string `json:"Recommendations"`
	AverageLatencyMillis float64  `json:"AverageLatencyMillis"`
	AveragePacketLoss    float64  `json:"AveragePacketLoss"`
	SampleCount          int      `json:"SampleCount"`
	Timestamp            string   `json:"Timestamp"`
}

// hostHistory is a bounded ring of samples, oldest evicted first.
type hostHistory struct {
	mu       sync.Mutex
	samples  []*HealthSample
	capacity int
}

func newHostHistory(capacity int) *hostHistory {
	return &hostHistory{capacity: capacity}
}

func (hh *hostHistory) add(sample *HealthSample) {
	hh.mu.Lock()
	defer hh.mu.Unlock()

	if len(hh.samples) >= hh.capacity {
		hh.samples = hh.samples[1:]
	}
	hh.samples = append(hh.samples, sample)
}

func (hh *hostHistory) snapshot() []*HealthSample {
	hh.mu.Lock()
	defer hh.mu.Unlock()

	out := make([]*HealthSample, len(hh.samples))
	copy(out, hh.samples)
	return out
}

// HealthMonitor performs independent network-level diagnostics per target host:
// name resolution, reachability/latency/loss via repeated echo probes, and
// selective port-filtering detection. Probe failures degrade the score rather
// than erroring, so monitoring stays available while the target is down.
type HealthMonitor struct {
	Config MonitorConfig

	logger    *zap.Logger
	histories cmap.ConcurrentMap
	resolver  *net.Resolver

	// dial is swappable so probes can be pointed at fixtures.
	dial func(network, addr string, timeout time.Duration) (net.Conn, error)

	runLock sync.Mutex // guards stopCh and running together
	stopCh  chan struct{}
	running bool
}

// NewHealthMonitor creates a HealthMonitor with config defaults applied.
func NewHealthMonitor(config *MonitorConfig, logger *zap.Logger) *HealthMonitor {

	if config == nil {
		config = &MonitorConfig{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HealthMonitor{
		Config:    config.withDefaults(),
		logger:    logger,
		histories: cmap.New(),
		resolver:  &net.Resolver{},
		dial:      net.DialTimeout,
	}
}

func (hm *HealthMonitor) historyFor(host string) *hostHistory {

	if value, ok := hm.histories.Get(host); ok {
		return value.(*hostHistory)
	}

	fresh := newHostHistory(int(hm.Config.HistoryCapacity))
	stored := hm.histories.Upsert(host, fresh,
		func(exist bool, valueInMap interface{}, newValue interface{}) interface{} {
			if exist {
				return valueInMap
			}
			return newValue
		})

	return stored.(*hostHistory)
}

// Probe measures the target host once: timed DNS resolution, repeated TCP echo
// probes for latency and loss, and a reachability scan over the filter ports.
// The sample is appended to the host's bounded history and returned.
func (hm *HealthMonitor) Probe(host string) *HealthSample {

	sample := &HealthSample{
		Host:      host,
		Timestamp: time.Now().UTC(),
	}

	hm.probeDNS(host, sample)
	hm.probeLatency(host, sample)
	hm.probeFiltering(host, sample)

	hm.historyFor(host).add(sample)
	return sample
}

func (hm *HealthMonitor) probeDNS(host string, sample *HealthSample) {

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(hm.Config.DNSTimeout)*time.Second)
	defer cancel()

	start := time.Now()
	_, err := hm.resolver.LookupIPAddr(ctx, host)
	sample.DNSResolveMillis = time.Since(start).Milliseconds()

	if err != nil {
		sample.DNSFailed = true
		hm.logger.Debug("dns resolution failed", zap.String("host", host), zap.Error(err))
	}
}

func (hm *HealthMonitor) probeLatency(host string, sample *HealthSample) {

	addr := net.JoinHostPort(host, strconv.FormatUint(uint64(hm.Config.ProbePort), 10))
	probeTimeout := time.Duration(hm.Config.ProbeTimeout) * time.Second

	sent := int(hm.Config.ProbeCount)
	succeeded := 0
	var totalLatency time.Duration

	for i := 0; i < sent; i++ {
		start := time.Now()
		conn, err := hm.dial("tcp", addr, probeTimeout)
		if err != nil {
			continue
		}
		totalLatency += time.Since(start)
		succeeded++
		_ = conn.Close()
	}

	sample.ProbesSent = sent
	sample.ProbesSucceeded = succeeded
	if succeeded > 0 {
		sample.LatencyMillis = (totalLatency / time.Duration(succeeded)).Milliseconds()
	}
	if sent > 0 {
		sample.PacketLossPercent = float64(sent-succeeded) / float64(sent) * 100
	}
}

// probeFiltering flags selective filtering: some well-known ports reachable while
// others are not usually means a firewall in the path, not a dead host.
func (hm *HealthMonitor) probeFiltering(host string, sample *HealthSample) {

	reachable := 0
	for _, port := range hm.Config.FilterPorts {
		addr := net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10))
		conn, err := hm.dial("tcp", addr, filterDialTimeout)
		if err != nil {
			continue
		}
		reachable++
		_ = conn.Close()
	}

	sample.FirewallIssues = reachable > 0 && reachable < len(hm.Config.FilterPorts)
}

type windowAggregate struct {
	avgLatencyMillis float64
	avgLossPercent   float64
	anyFirewall      bool
	anyDNSFailed     bool
	maxDNSMillis     int64
}

func aggregateWindow(samples []*HealthSample) windowAggregate {

	var agg windowAggregate
	latencySamples := 0

	for _, s := range samples {
		if s.ProbesSucceeded > 0 {
			agg.avgLatencyMillis += float64(s.LatencyMillis)
			latencySamples++
		}
		agg.avgLossPercent += s.PacketLossPercent
		if s.FirewallIssues {
			agg.anyFirewall = true
		}
		if s.DNSFailed {
			agg.anyDNSFailed = true
		}
		if s.DNSResolveMillis > agg.maxDNSMillis {
			agg.maxDNSMillis = s.DNSResolveMillis
		}
	}

	if latencySamples > 0 {
		agg.avgLatencyMillis /= float64(latencySamples)
	}
	if len(samples) > 0 {
		agg.avgLossPercent /= float64(len(samples))
	}

	return agg
}

// Score reduces the recent sample window to a 0-100 heuristic severity ranking.
// An empty window scores 100.
func (hm *HealthMonitor) Score(host string) int {

	samples := hm.historyFor(host).snapshot()
	if len(samples) == 0 {
		return 100
	}

	agg := aggregateWindow(samples)
	penalty := 0

	if agg.avgLatencyMillis > 100 {
		latencyPenalty := int((agg.avgLatencyMillis - 100) / 10)
		if latencyPenalty > 20 {
			latencyPenalty = 20
		}
		penalty += latencyPenalty
	}

	lossPenalty := int(agg.avgLossPercent * 3)
	if lossPenalty > 30 {
		lossPenalty = 30
	}
	penalty += lossPenalty

	if agg.anyFirewall {
		penalty += 15
	}
	if agg.anyDNSFailed {
		penalty += 20
	}

	score := 100 - penalty
	if score < 0 {
		score = 0
	}
	return score
}

// Recommendations derives human-readable guidance from threshold crossings on the
// recent window.
func (hm *HealthMonitor) Recommendations(host string) []string {

	samples := hm.historyFor(host).snapshot()
	if len(samples) == 0 {
		return []string{fmt.Sprintf("No samples collected for %s yet, run a probe first", host)}
	}

	agg := aggregateWindow(samples)
	recommendations := make([]string, 0, 4)

	if agg.avgLatencyMillis > 200 {
		recommendations = append(recommendations,
			fmt.Sprintf("High latency to %s (avg %.0fms), check the network path or move closer to the target", host, agg.avgLatencyMillis))
	}
	if agg.avgLossPercent > 2 {
		recommendations = append(recommendations,
			fmt.Sprintf("Packet loss to %s (avg %.1f%%), inspect links and intermediate devices", host, agg.avgLossPercent))
	}
	if agg.anyFirewall {
		recommendations = append(recommendations,
			fmt.Sprintf("Selective port filtering detected for %s, verify firewall rules", host))
	}
	if agg.anyDNSFailed || agg.maxDNSMillis > 2000 {
		recommendations = append(recommendations,
			fmt.Sprintf("DNS resolution for %s is slow or failing, verify resolver configuration", host))
	}

	if len(recommendations) == 0 {
		recommendations = append(recommendations,
			fmt.Sprintf("Network connectivity to %s looks healthy", host))
	}

	return recommendations
}

// Summary reduces the recent window to score, recommendations and averages.
func (hm *HealthMonitor) Summary(host string) *HealthSummary {

	samples := hm.historyFor(host).snapshot()
	agg := aggregateWindow(samples)

	return &HealthSummary{
		Host:                 host,
		Score:                hm.Score(host),
		Recommendations:      hm.Recommendations(host),
		AverageLatencyMillis: agg.avgLatencyMillis,
		AveragePacketLoss:    agg.avgLossPercent,
		SampleCount:          len(samples),
		Timestamp:            JSONUtcTimestamp(),
	}
}

// ReconnectAdvisable is the go/no-go consulted before replacement dials: with no
// data it stays optimistic, otherwise the score has to clear the floor.
func (hm *HealthMonitor) ReconnectAdvisable(host string) bool {

	if len(hm.historyFor(host).snapshot()) == 0 {
		return true
	}

	return hm.Score(host) >= reconnectScoreFloor
}

// Start launches continuous sampling of the host at SampleInterval, logging
// threshold breaches. Stop halts it with no dangling timers.
func (hm *HealthMonitor) Start(host string) error {

	hm.runLock.Lock()
	if hm.running {
		hm.runLock.Unlock()
		return fmt.Errorf("health monitor already running")
	}
	stopCh := make(chan struct{})
	hm.stopCh = stopCh
	hm.running = true
	hm.runLock.Unlock()

	interval := time.Duration(hm.Config.SampleInterval) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				sample := hm.Probe(host)
				score := hm.Score(host)
				if score < breachScoreThreshold {
					hm.logger.Warn("network health breach",
						zap.String("host", host),
						zap.Int("score", score),
						zap.Float64("packetLoss", sample.PacketLossPercent),
						zap.Int64("latencyMillis", sample.LatencyMillis),
						zap.Bool("firewallIssues", sample.FirewallIssues),
						zap.Bool("dnsFailed", sample.DNSFailed),
						zap.Time("timestamp", sample.Timestamp))
				}
			}
		}
	}()

	return nil
}

// Stop halts continuous sampling. Idempotent.
func (hm *HealthMonitor) Stop() {
	hm.runLock.Lock()
	defer hm.runLock.Unlock()

	if hm.running {
		close(hm.stopCh)
		hm.running = false
	}
}
