/*
scheduler.go - Periodic ledger audit

PURPOSE:
  Recomputes every student's balance from the ledger on an interval and
  flags students whose stored balance has drifted. The engine keeps the
  two in lockstep, so any finding means something wrote around it
  (manual SQL, a restored backup, a bug).

DESIGN:
  - Background goroutine with a fixed interval, first run immediately
  - Findings are logged at error level and exported as a gauge
  - Read-only: the audit never corrects balances

USAGE:
  scheduler := NewAuditScheduler(store, metrics, logger, time.Hour)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - points/audit.go: AuditLedger
  - handlers.go: GET /api/admin/audit (on-demand run)
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tutortrack/points-engine/metrics"
	"github.com/tutortrack/points-engine/points"
)

// AuditScheduler runs points.AuditLedger periodically.
type AuditScheduler struct {
	reader   points.Reader
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	interval time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
	mu   sync.Mutex
	on   bool
}

func NewAuditScheduler(reader points.Reader, m *metrics.Metrics, logger zerolog.Logger, interval time.Duration) *AuditScheduler {
	return &AuditScheduler{
		reader:   reader,
		metrics:  m,
		logger:   logger.With().Str("component", "audit").Logger(),
		interval: interval,
	}
}

// Start begins the scheduler. A non-positive interval disables it.
func (s *AuditScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.on {
		return
	}
	if s.interval <= 0 {
		s.logger.Info().Msg("ledger audit disabled")
		return
	}

	s.stop = make(chan struct{})
	s.on = true
	s.wg.Add(1)
	go s.run()

	s.logger.Info().Dur("interval", s.interval).Msg("ledger audit started")
}

// Stop waits for a running audit to finish.
func (s *AuditScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.on {
		return
	}
	close(s.stop)
	s.wg.Wait()
	s.on = false
	s.logger.Info().Msg("ledger audit stopped")
}

func (s *AuditScheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	s.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunOnce performs a single audit and reports the findings.
func (s *AuditScheduler) RunOnce(ctx context.Context) (points.AuditReport, error) {
	start := time.Now()
	report, err := points.AuditLedger(ctx, s.reader)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("ledger audit failed")
		}
		return report, err
	}

	s.metrics.LedgerAudit(len(report.Discrepancies))
	for _, d := range report.Discrepancies {
		s.logger.Error().
			Str("student_id", string(d.StudentID)).
			Int64("balance", d.Balance).
			Int64("ledger_sum", d.LedgerSum).
			Msg("balance does not match ledger")
	}
	s.logger.Debug().
		Int("students", report.StudentsChecked).
		Int("discrepancies", len(report.Discrepancies)).
		Dur("took", time.Since(start)).
		Msg("ledger audit complete")
	return report, nil
}
