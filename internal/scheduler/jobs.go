package scheduler

import (
	"context"
	"time"
)

// Job names.
const (
	JobCreator     = "market-creator"
	JobActivator   = "market-activator"
	JobResolver    = "market-resolver"
	JobSettlement  = "settlement-sweep"
	JobOrderExpiry = "order-expiry"
	JobArchiver    = "market-archiver"
)

// Lifecycle is the state machine as the job set drives it.
type Lifecycle interface {
	Create(ctx context.Context) error
	Activate(ctx context.Context) error
	ResolveDue(ctx context.Context) error
	Archive(ctx context.Context) error
}

// Sweeper settles resolved markets and reconciles stale records.
type Sweeper interface {
	Sweep(ctx context.Context) error
}

// Runner is a job body.
type Runner interface {
	Run(ctx context.Context) error
}

// Intervals sets the pause between runs of each job. A zero interval
// disables the job.
type Intervals struct {
	Creator     time.Duration
	Activator   time.Duration
	Resolver    time.Duration
	Settlement  time.Duration
	OrderExpiry time.Duration
	Archiver    time.Duration
}

// DefaultIntervals returns the production cadence.
func DefaultIntervals() Intervals {
	return Intervals{
		Creator:     30 * time.Second,
		Activator:   2 * time.Second,
		Resolver:    2 * time.Second,
		Settlement:  15 * time.Second,
		OrderExpiry: 10 * time.Second,
		Archiver:    60 * time.Second,
	}
}

// Jobs builds the keeper's job set. The archiver only recovers rent and
// is the one job that keeps running under store pressure.
func Jobs(lc Lifecycle, sw Sweeper, expiry Runner, iv Intervals) ([]Job, error) {
	all := []Job{
		{Name: JobCreator, Interval: iv.Creator, Run: lc.Create},
		{Name: JobActivator, Interval: iv.Activator, Run: lc.Activate},
		{Name: JobResolver, Interval: iv.Resolver, Run: lc.ResolveDue},
		{Name: JobSettlement, Interval: iv.Settlement, Run: sw.Sweep},
		{Name: JobArchiver, Interval: iv.Archiver, Critical: true, Run: lc.Archive},
	}
	if expiry != nil {
		all = append(all, Job{Name: JobOrderExpiry, Interval: iv.OrderExpiry, Run: expiry.Run})
	}
	var out []Job
	for _, j := range all {
		if j.Interval > 0 {
			out = append(out, j)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoJobs
	}
	return out, nil
}
