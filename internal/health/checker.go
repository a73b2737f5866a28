// Package health watches the integrity of the node's chain. It periodically
// rescans the audit log, reports the result to the gRPC health service and
// metrics, and generates the previous day's checkpoint once it has closed.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jmerrifield20/icn-node/internal/model"
	"github.com/jmerrifield20/icn-node/internal/trustledger"
)

// ServiceName is the gRPC health service name the monitor reports under.
const ServiceName = "icn.ledger"

// Config holds integrity monitor configuration.
type Config struct {
	CheckInterval time.Duration
	// ScheduleCheckpoints enables generation of yesterday's checkpoint on
	// every tick. Generation is idempotent so repeated ticks are harmless.
	ScheduleCheckpoints bool
	CheckTimeout        time.Duration
}

// ChainVerifier scans the chain for continuity.
type ChainVerifier interface {
	Verify(ctx context.Context) (trustledger.ContinuityReport, error)
}

// CheckpointGenerator creates the checkpoint for a date.
type CheckpointGenerator interface {
	Generate(ctx context.Context, date string) (*model.Checkpoint, bool, error)
}

// StatusSetter receives the serving status derived from each scan. It is
// satisfied by *grpc/health.Server.
type StatusSetter interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

// MetricsRecordFunc is an optional callback for recording scan results.
type MetricsRecordFunc func(report trustledger.ContinuityReport)

// CheckpointRecordFunc is an optional callback for recording scheduled
// checkpoint generation.
type CheckpointRecordFunc func(created bool, err error)

// Monitor runs periodic continuity scans.
type Monitor struct {
	chain        ChainVerifier
	checkpoints  CheckpointGenerator
	status       StatusSetter
	cfg          Config
	onMetrics    MetricsRecordFunc
	onCheckpoint CheckpointRecordFunc
	now          func() time.Time
	logger       *zap.Logger

	mu      sync.Mutex
	last    trustledger.ContinuityReport
	checked bool
	broken  bool
}

// New creates a Monitor. checkpoints and status may be nil.
func New(chain ChainVerifier, checkpoints CheckpointGenerator, status StatusSetter, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.CheckTimeout == 0 {
		cfg.CheckTimeout = cfg.CheckInterval / 2
	}
	return &Monitor{
		chain:       chain,
		checkpoints: checkpoints,
		status:      status,
		cfg:         cfg,
		now:         time.Now,
		logger:      logger,
	}
}

// SetMetricsRecord configures the scan metrics callback.
func (m *Monitor) SetMetricsRecord(fn MetricsRecordFunc) { m.onMetrics = fn }

// SetCheckpointRecord configures the checkpoint metrics callback.
func (m *Monitor) SetCheckpointRecord(fn CheckpointRecordFunc) { m.onCheckpoint = fn }

// SetClock replaces the time source. Intended for tests.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Start runs one check immediately, then one per interval until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ticker.C:
			m.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) tick(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, m.cfg.CheckTimeout)
	defer cancel()
	m.CheckChain(ctx)
	if m.cfg.ScheduleCheckpoints {
		m.GenerateYesterday(ctx)
	}
}

// CheckChain scans the chain once and publishes the result. A scan that
// fails to run leaves the previous status in place.
func (m *Monitor) CheckChain(ctx context.Context) (trustledger.ContinuityReport, error) {
	report, err := m.chain.Verify(ctx)
	if err != nil {
		m.logger.Error("health: verify chain", zap.Error(err))
		return report, err
	}

	if m.onMetrics != nil {
		m.onMetrics(report)
	}

	m.mu.Lock()
	wasBroken := m.broken
	m.broken = !report.OK
	m.last = report
	m.checked = true
	m.mu.Unlock()

	switch {
	case !report.OK && !wasBroken:
		// Transition: intact → broken. Never repaired automatically.
		m.logger.Error("health: chain continuity broken",
			zap.Int("index", report.Break.Index),
			zap.Int64("seq", report.Break.Seq),
			zap.String("reason", report.Break.Reason),
		)
	case report.OK && wasBroken:
		m.logger.Info("health: chain continuity restored", zap.Int("length", report.Length))
	}

	if m.status != nil {
		status := healthpb.HealthCheckResponse_SERVING
		if !report.OK {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		m.status.SetServingStatus(ServiceName, status)
	}
	return report, nil
}

// GenerateYesterday creates the checkpoint for the last complete UTC day.
func (m *Monitor) GenerateYesterday(ctx context.Context) {
	if m.checkpoints == nil {
		return
	}
	date := m.now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	_, created, err := m.checkpoints.Generate(ctx, date)
	if m.onCheckpoint != nil {
		m.onCheckpoint(created, err)
	}
	if err != nil {
		m.logger.Warn("health: scheduled checkpoint", zap.String("date", date), zap.Error(err))
		return
	}
	if created {
		m.logger.Info("health: scheduled checkpoint created", zap.String("date", date))
	}
}

// Last returns the most recent scan result and whether any scan has completed.
func (m *Monitor) Last() (trustledger.ContinuityReport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.checked
}
