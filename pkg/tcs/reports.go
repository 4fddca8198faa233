package tcs

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReportWriter periodically persists pool statistics and health summaries as JSON
// files for downstream tooling. Field names in the written documents are stable;
// only the directory layout is ours to change.
type ReportWriter struct {
	Config ReportConfig

	pool    *SessionPool
	monitor *HealthMonitor
	host    string
	logger  *zap.Logger

	runLock sync.Mutex // guards stopCh and running together
	stopCh  chan struct{}
	running bool
}

// NewReportWriter creates a ReportWriter and ensures the target directory exists.
func NewReportWriter(
	config *ReportConfig,
	pool *SessionPool,
	monitor *HealthMonitor,
	host string,
	logger *zap.Logger) (*ReportWriter, error) {

	if config == nil || config.Directory == "" {
		return nil, errors.New("reportwriter requires a directory")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(config.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("creating report directory: %w", err)
	}

	return &ReportWriter{
		Config:  *config,
		pool:    pool,
		monitor: monitor,
		host:    host,
		logger:  logger,
	}, nil
}

func reportSuffix(compressionType string) string {
	switch compressionType {
	case GzipCompressionType:
		return ".json.gz"
	case ZstdCompressionType:
		return ".json.zst"
	default:
		return ".json"
	}
}

func (rw *ReportWriter) writeReport(prefix string, report interface{}) (string, error) {

	data, err := CreateReportPayload(report, rw.Config.CompressionType)
	if err != nil {
		return "", err
	}

	fileName := fmt.Sprintf("%s-%d-%s%s",
		prefix,
		time.Now().UTC().Unix(),
		RandomString(6),
		reportSuffix(rw.Config.CompressionType))

	fullPath := filepath.Join(rw.Config.Directory, fileName)
	if err := ioutil.WriteFile(fullPath, data, 0o644); err != nil {
		return "", err
	}

	return fullPath, nil
}

// WriteStatsReport persists one pool statistics snapshot and returns its path.
func (rw *ReportWriter) WriteStatsReport() (string, error) {
	if rw.pool == nil {
		return "", errors.New("reportwriter has no pool to report on")
	}
	return rw.writeReport("stats", rw.pool.Stats())
}

// WriteHealthReport persists one health summary for the target host.
func (rw *ReportWriter) WriteHealthReport() (string, error) {
	if rw.monitor == nil {
		return "", errors.New("reportwriter has no monitor to report on")
	}
	return rw.writeReport("health-"+rw.host, rw.monitor.Summary(rw.host))
}

func (rw *ReportWriter) writeAll() {

	if rw.pool != nil {
		if path, err := rw.WriteStatsReport(); err != nil {
			rw.logger.Error("writing stats report failed", zap.Error(err))
		} else {
			rw.logger.Debug("stats report written", zap.String("path", path))
		}
	}

	if rw.monitor != nil {
		if path, err := rw.WriteHealthReport(); err != nil {
			rw.logger.Error("writing health report failed", zap.Error(err))
		} else {
			rw.logger.Debug("health report written", zap.String("path", path))
		}
	}
}

// Start launches periodic report writes at the configured interval.
func (rw *ReportWriter) Start() error {

	rw.runLock.Lock()
	if rw.running {
		rw.runLock.Unlock()
		return errors.New("reportwriter already running")
	}
	stopCh := make(chan struct{})
	rw.stopCh = stopCh
	rw.running = true
	rw.runLock.Unlock()

	interval := time.Duration(rw.Config.Interval) * time.Second
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
				rw.writeAll()
			}
		}
	}()

	return nil
}

// Stop halts periodic writes. Idempotent.
func (rw *ReportWriter) Stop() {
	rw.runLock.Lock()
	defer rw.runLock.Unlock()

	if rw.running {
		close(rw.stopCh)
		rw.running = false
	}
}
