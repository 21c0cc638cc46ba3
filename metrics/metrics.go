package metrics

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var log = logging.Logger("metrics")

// Distributions
var defaultMillisecondsDistribution = view.Distribution(
	0.01, 0.05, 0.1, 0.3, 0.6, 0.8, 1, 2, 3, 4, 5, 6, 8, // Very short intervals for fast operations
	10, 20, 30, 40, 50, 60, 70, 80, 90, 100, // 10 ms intervals up to 100 ms
	150, 200, 250, 300, 350, 400, 450, 500, // 50 ms intervals from 100 to 500 ms
	600, 700, 800, 900, 1000, // 100 ms intervals from 500 to 1000 ms
	2000, 3000, 4000, 5000, 8000, 10000, 20000, 30000, 60000,
)

var workMillisecondsDistribution = view.Distribution(
	10, 50, 100, 250, 500, 1000, 2000, 5000, 10_000, 30_000, 60_000, 2*60_000, 5*60_000, 10*60_000, 30*60_000, 60*60_000,
)

var queueSizeDistribution = view.Distribution(0, 1, 2, 3, 5, 7, 10, 15, 25, 35, 50, 70, 90, 130, 200, 300, 500, 1000, 2000, 5000, 10000)

// Tags
var (
	Version, _  = tag.NewKey("version")
	Commit, _   = tag.NewKey("commit")
	NodeType, _ = tag.NewKey("node_type")

	TaskType, _   = tag.NewKey("task_type")
	DelegateID, _ = tag.NewKey("delegate_id")
	Account, _    = tag.NewKey("account")
	Outcome, _    = tag.NewKey("outcome")
	Endpoint, _   = tag.NewKey("endpoint")
)

// Measures
var (
	DispatchInfo       = stats.Int64("info", "Arbitrary counter to tag dispatch info to", stats.UnitDimensionless)
	APIRequestDuration = stats.Float64("api/request_duration_ms", "Duration of API requests", stats.UnitMilliseconds)

	// manager
	TasksSubmitted        = stats.Int64("tasks/submitted", "Counter of submitted tasks", stats.UnitDimensionless)
	TasksClaimed          = stats.Int64("tasks/claimed", "Counter of tasks claimed by delegates", stats.UnitDimensionless)
	TaskClaimConflicts    = stats.Int64("tasks/claim_conflicts", "Counter of lost claim races", stats.UnitDimensionless)
	TasksFinished         = stats.Int64("tasks/finished", "Counter of tasks reaching a terminal state", stats.UnitDimensionless)
	TasksExpired          = stats.Int64("tasks/expired", "Counter of tasks moved to EXPIRED", stats.UnitDimensionless)
	TasksRequeued         = stats.Int64("tasks/requeued", "Counter of tasks requeued after delegate loss", stats.UnitDimensionless)
	TaskQueueWait         = stats.Float64("tasks/queue_wait_ms", "Time between submission and claim", stats.UnitMilliseconds)
	StaleResponses        = stats.Int64("responses/stale", "Counter of responses rejected for a superseded version", stats.UnitDimensionless)
	AwaitTimeouts         = stats.Int64("responses/await_timeouts", "Counter of requester waits that timed out", stats.UnitDimensionless)
	PollDuration          = stats.Float64("poll/duration_ms", "Duration of delegate polls", stats.UnitMilliseconds)
	PollCandidates        = stats.Int64("poll/candidates", "Number of candidate tasks seen per poll", stats.UnitDimensionless)
	LiveDelegates         = stats.Int64("delegates/live", "Number of live delegates", stats.UnitDimensionless)
	HeartbeatsReceived    = stats.Int64("delegates/heartbeats", "Counter of heartbeats received", stats.UnitDimensionless)
	HeartbeatsOutOfOrder  = stats.Int64("delegates/heartbeats_out_of_order", "Counter of heartbeats ignored as older than the last one", stats.UnitDimensionless)
	MaintenanceDuration   = stats.Float64("maintenance/cycle_ms", "Duration of a manager maintenance cycle", stats.UnitMilliseconds)
	PerpetualRebalanceRun = stats.Float64("perpetual/rebalance_ms", "Duration of a perpetual task rebalancing pass", stats.UnitMilliseconds)

	// delegate
	DelegateTasksStarted  = stats.Int64("delegate/tasks_started", "Counter of tasks started on a delegate", stats.UnitDimensionless)
	DelegateTaskDuration  = stats.Float64("delegate/task_ms", "Duration of task execution on a delegate", stats.UnitMilliseconds)
	DelegateReturnRetries = stats.Int64("delegate/return_retries", "Counter of retried response submissions", stats.UnitDimensionless)
	DelegatePerpetualRuns = stats.Int64("delegate/perpetual_runs", "Counter of perpetual task executions", stats.UnitDimensionless)
)

var (
	InfoView = &view.View{
		Name:        "info",
		Description: "Dispatch node information",
		Measure:     DispatchInfo,
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{Version, Commit, NodeType},
	}
	APIRequestDurationView = &view.View{
		Measure:     APIRequestDuration,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{Endpoint},
	}
	TasksSubmittedView = &view.View{
		Measure:     TasksSubmitted,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{TaskType, Account},
	}
	TasksClaimedView = &view.View{
		Measure:     TasksClaimed,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{TaskType, DelegateID},
	}
	TaskClaimConflictsView = &view.View{
		Measure:     TaskClaimConflicts,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{TaskType},
	}
	TasksFinishedView = &view.View{
		Measure:     TasksFinished,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{TaskType, Outcome},
	}
	TasksExpiredView = &view.View{
		Measure:     TasksExpired,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{TaskType},
	}
	TasksRequeuedView = &view.View{
		Measure:     TasksRequeued,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{TaskType, DelegateID},
	}
	TaskQueueWaitView = &view.View{
		Measure:     TaskQueueWait,
		Aggregation: workMillisecondsDistribution,
		TagKeys:     []tag.Key{TaskType},
	}
	StaleResponsesView = &view.View{
		Measure:     StaleResponses,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{DelegateID},
	}
	AwaitTimeoutsView = &view.View{
		Measure:     AwaitTimeouts,
		Aggregation: view.Count(),
	}
	PollDurationView = &view.View{
		Measure:     PollDuration,
		Aggregation: defaultMillisecondsDistribution,
	}
	PollCandidatesView = &view.View{
		Measure:     PollCandidates,
		Aggregation: queueSizeDistribution,
	}
	LiveDelegatesView = &view.View{
		Measure:     LiveDelegates,
		Aggregation: view.LastValue(),
	}
	HeartbeatsReceivedView = &view.View{
		Measure:     HeartbeatsReceived,
		Aggregation: view.Count(),
	}
	HeartbeatsOutOfOrderView = &view.View{
		Measure:     HeartbeatsOutOfOrder,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{DelegateID},
	}
	MaintenanceDurationView = &view.View{
		Measure:     MaintenanceDuration,
		Aggregation: defaultMillisecondsDistribution,
	}
	PerpetualRebalanceRunView = &view.View{
		Measure:     PerpetualRebalanceRun,
		Aggregation: defaultMillisecondsDistribution,
	}

	DelegateTasksStartedView = &view.View{
		Measure:     DelegateTasksStarted,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{TaskType},
	}
	DelegateTaskDurationView = &view.View{
		Measure:     DelegateTaskDuration,
		Aggregation: workMillisecondsDistribution,
		TagKeys:     []tag.Key{TaskType, Outcome},
	}
	DelegateReturnRetriesView = &view.View{
		Measure:     DelegateReturnRetries,
		Aggregation: view.Count(),
	}
	DelegatePerpetualRunsView = &view.View{
		Measure:     DelegatePerpetualRuns,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{TaskType, Outcome},
	}
)

// DefaultViews is an array of OpenCensus views for metric gathering purposes
var DefaultViews = func() []*view.View {
	return views
}()

var views = []*view.View{
	InfoView,
	APIRequestDurationView,
}

// RegisterViews adds views to the default list without modifying this file.
func RegisterViews(v ...*view.View) {
	views = append(views, v...)
}

var ManagerNodeViews = append([]*view.View{
	TasksSubmittedView,
	TasksClaimedView,
	TaskClaimConflictsView,
	TasksFinishedView,
	TasksExpiredView,
	TasksRequeuedView,
	TaskQueueWaitView,
	StaleResponsesView,
	AwaitTimeoutsView,
	PollDurationView,
	PollCandidatesView,
	LiveDelegatesView,
	HeartbeatsReceivedView,
	HeartbeatsOutOfOrderView,
	MaintenanceDurationView,
	PerpetualRebalanceRunView,
}, DefaultViews...)

var DelegateNodeViews = append([]*view.View{
	DelegateTasksStartedView,
	DelegateTaskDurationView,
	DelegateReturnRetriesView,
	DelegatePerpetualRunsView,
}, DefaultViews...)

// SinceInMilliseconds returns the duration of time since the provide time as a float64.
func SinceInMilliseconds(startTime time.Time) float64 {
	return float64(time.Since(startTime).Milliseconds())
}

// Timer is a function stopwatch, calling it starts the timer,
// calling the returned function will record the duration.
func Timer(ctx context.Context, m *stats.Float64Measure) func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		stats.Record(ctx, m.M(SinceInMilliseconds(start)))
		return time.Since(start)
	}
}

// Tagged upserts tags onto ctx, logging instead of failing on bad tag values.
func Tagged(ctx context.Context, mutators ...tag.Mutator) context.Context {
	tctx, err := tag.New(ctx, mutators...)
	if err != nil {
		log.Warnw("could not tag metrics context", "error", err)
		return ctx
	}
	return tctx
}
