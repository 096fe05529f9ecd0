package scheduler

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/digkill/genstudio/internal/service"
)

// Sweeper is the settlement surface the scheduled jobs drive.
type Sweeper interface {
	ReconcileAll(ctx context.Context) (service.SweepReport, error)
	SweepStale(ctx context.Context) (service.SweepReport, error)
	RepairRefunds(ctx context.Context) (service.SweepReport, error)
}

type sweepJob struct {
	name string
	run  func(ctx context.Context) (service.SweepReport, error)
}

func (j sweepJob) Name() string { return j.name }

func (j sweepJob) Run(ctx context.Context) error {
	report, err := j.run(ctx)
	zerolog.Ctx(ctx).Info().
		Int("reconciled", report.Reconciled).
		Int("transitioned", report.Transitioned).
		Int("stale_failed", report.StaleFailed).
		Int("refunds_issued", report.RefundsIssued).
		Msg("sweep finished")
	return err
}

// SettlementJobs returns the sweeps in run order: stale PENDING records first, then
// PROCESSING reconciliation, then refund repair for anything the first two failed.
func SettlementJobs(s Sweeper) []Job {
	return []Job{
		sweepJob{name: "sweep-stale", run: s.SweepStale},
		sweepJob{name: "reconcile-all", run: s.ReconcileAll},
		sweepJob{name: "repair-refunds", run: s.RepairRefunds},
	}
}
