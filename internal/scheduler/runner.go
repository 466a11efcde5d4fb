// Package scheduler implements the background scheduler and trigger paths:
// a periodic background runner, a synchronous manual trigger, the
// initial-sync variant, the subscription gate, and the per-config state
// machine, all composed over internal/syncengine's three executors.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/reoxt/basesync/internal/config"
	"github.com/reoxt/basesync/internal/conflict"
	"github.com/reoxt/basesync/internal/credentials"
	"github.com/reoxt/basesync/internal/sourcea"
	"github.com/reoxt/basesync/internal/sourceb"
	"github.com/reoxt/basesync/internal/store"
	"github.com/reoxt/basesync/internal/syncengine"
	"github.com/reoxt/basesync/internal/syncerr"
)

// State is one node of the per-config state machine
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompletedOK
	StateCompletedPartial
	StateCompletedFailed
	StatePausedReauth
	StatePausedLimit
	StatePausedSubscription
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateCompletedOK:
		return "COMPLETED_OK"
	case StateCompletedPartial:
		return "COMPLETED_PARTIAL"
	case StateCompletedFailed:
		return "COMPLETED_FAILED"
	case StatePausedReauth:
		return "PAUSED_REAUTH"
	case StatePausedLimit:
		return "PAUSED_LIMIT"
	case StatePausedSubscription:
		return "PAUSED_SUBSCRIPTION"
	default:
		return "IDLE"
	}
}

// TriggerDetails mirrors the manual-trigger response shape.
type TriggerDetails struct {
	Added       int             `json:"added"`
	Updated     int             `json:"updated"`
	Deleted     int             `json:"deleted"`
	ErrorCount  int             `json:"errorCount"`
	Duration    time.Duration   `json:"duration"`
	Direction   store.Direction `json:"direction"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt time.Time       `json:"completedAt"`
}

// TriggerResult is the structured result returned by Manual trigger(...)
// and Run initial sync(...)
type TriggerResult struct {
	Status    State                         `json:"status"`
	Details   TriggerDetails                `json:"details"`
	Errors    []string                      `json:"errors"`
	Warnings  []string                      `json:"warnings"`
	Conflicts *syncengine.ConflictBreakdown `json:"conflicts,omitempty"`
}

// Runner binds credential refresh, the external clients, and the sync
// executors into the scheduled/manual/initial dispatch paths. One Runner
// is constructed per process; its collaborators are service values passed
// in explicitly rather than held as module-level state.
type Runner struct {
	Cfg          *config.Config
	SyncConfigs  *store.SyncConfigStore
	SyncLogs     *store.SyncLogStore
	Checkpoints  conflict.CheckpointStore
	Usage        *store.UsageStatsStore
	AppUsers     *store.AppUserStore
	Credentials  *credentials.Manager
	SourceA      *sourcea.Client
	SourceB      *sourceb.Client
	Lease        *LeaseManager
	Metrics      *Metrics

	cron   *cron.Cron
	holder string
}

// NewRunner constructs a Runner. holder identifies this process instance
// for advisory-lock diagnostics.
func NewRunner(cfg *config.Config, syncConfigs *store.SyncConfigStore, syncLogs *store.SyncLogStore,
	checkpoints conflict.CheckpointStore, usage *store.UsageStatsStore, appUsers *store.AppUserStore,
	credMgr *credentials.Manager, sourceA *sourcea.Client, sourceB *sourceb.Client,
	lease *LeaseManager, metrics *Metrics) *Runner {
	host, _ := os.Hostname()
	return &Runner{
		Cfg:         cfg,
		SyncConfigs: syncConfigs,
		SyncLogs:    syncLogs,
		Checkpoints: checkpoints,
		Usage:       usage,
		AppUsers:    appUsers,
		Credentials: credMgr,
		SourceA:     sourceA,
		SourceB:     sourceB,
		Lease:       lease,
		Metrics:     metrics,
		holder:      fmt.Sprintf("%s:%d", host, os.Getpid()),
	}
}

// Start registers the scheduled tick on the configured cron expression and
// begins running it in the background. Cancel ctx to stop ticking; callers
// should also call Stop to drain in-flight jobs.
func (r *Runner) Start(ctx context.Context) error {
	r.cron = cron.New()
	_, err := r.cron.AddFunc(r.Cfg.Sync.CronExpression, func() {
		r.tick(ctx)
	})
	if err != nil {
		return fmt.Errorf("scheduling cron expression %q: %w", r.Cfg.Sync.CronExpression, err)
	}
	r.cron.Start()
	log.Info().Str("cron", r.Cfg.Sync.CronExpression).Msg("scheduler started")
	return nil
}

// Stop drains the cron scheduler, waiting for in-flight jobs to finish.
func (r *Runner) Stop() {
	if r.cron == nil {
		return
	}
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
}

// tick is one scheduled firing: enumerate active configs, dispatch each
// under the worker pool cap. Distinct configs run in parallel
func (r *Runner) tick(ctx context.Context) {
	configs, err := r.SyncConfigs.ListActive(ctx)
	if err != nil {
		log.Error().Err(err).Msg("scheduler: failed to list active sync configs")
		return
	}

	sem := make(chan struct{}, r.workerCount())
	for _, cfg := range configs {
		cfg := cfg
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			runCtx, cancel := context.WithTimeout(ctx, r.Cfg.Sync.RunDeadline)
			defer cancel()
			if _, err := r.Dispatch(runCtx, cfg, store.TriggerScheduled, dispatchOpts{}); err != nil {
				log.Warn().Err(err).Str("sync_config_id", cfg.ID.String()).Msg("scheduled run did not complete")
			}
		}()
	}
	// Fill every slot: a slot frees only when its run finishes, so tick
	// returns after every dispatched run has completed.
	for i := 0; i < cap(sem); i++ {
		sem <- struct{}{}
	}
}

func (r *Runner) workerCount() int {
	if r.Cfg.Sync.SchedulerWorkers <= 0 {
		return 16
	}
	return r.Cfg.Sync.SchedulerWorkers
}

// ManualTrigger implements the synchronous Manual trigger(syncConfigId)
// operation: executes one config immediately, returning a structured
// result, or ConcurrencyConflict if a run started within the last 5
// minutes has not yet recorded completion.
func (r *Runner) ManualTrigger(ctx context.Context, syncConfigID uuid.UUID) (*TriggerResult, error) {
	cfg, err := r.SyncConfigs.Get(ctx, syncConfigID)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithTimeout(ctx, r.Cfg.Sync.RunDeadline)
	defer cancel()
	return r.Dispatch(runCtx, cfg, store.TriggerManual, dispatchOpts{})
}

// InitialSync implements the initial-sync variant: the same
// executor, but with deleteExtraRows/deleteExtraRecords defaulting to true,
// and an optional dryRun that produces a change report without writes.
func (r *Runner) InitialSync(ctx context.Context, syncConfigID uuid.UUID, dryRun bool) (*TriggerResult, error) {
	cfg, err := r.SyncConfigs.Get(ctx, syncConfigID)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithTimeout(ctx, r.Cfg.Sync.RunDeadline)
	defer cancel()
	return r.Dispatch(runCtx, cfg, store.TriggerInitial, dispatchOpts{dryRun: dryRun, deleteExtra: true})
}

type dispatchOpts struct {
	dryRun      bool
	deleteExtra bool
}

// Dispatch is the single entry point every trigger path funnels through:
// subscription gate, advisory lock acquisition, executor selection, and
// SyncLog/Checkpoint/UsageStats bookkeeping. It always writes a SyncLog,
// even when setup fails before any external call.
func (r *Runner) Dispatch(ctx context.Context, cfg *store.SyncConfig, trigger store.TriggerSource, opts dispatchOpts) (*TriggerResult, error) {
	startedAt := time.Now().UTC()

	owner, err := r.AppUsers.GetByID(ctx, cfg.OwnerID)
	if err != nil {
		err = fmt.Errorf("resolving sync config owner: %w", err)
		r.writeFailedLog(ctx, cfg, trigger, startedAt, err)
		return nil, err
	}

	if state, gateErr := r.checkSubscriptionGate(ctx, owner); gateErr != nil {
		r.writeFailedLog(ctx, cfg, trigger, startedAt, gateErr)
		return &TriggerResult{Status: state, Errors: []string{gateErr.UserMessage()}}, gateErr
	}

	if r.Lease != nil {
		acquired, err := r.Lease.Acquire(ctx, cfg.ID.String(), r.holder)
		if err == nil && !acquired {
			// Fast path says another instance is already running this
			// config; fall through to the authoritative Postgres check
			// only if the lease call itself errored
			// "Postgres check remains the source of truth" design.
			err := &syncerr.ConcurrencyConflict{SyncConfigID: cfg.ID.String()}
			r.writeFailedLog(ctx, cfg, trigger, startedAt, err)
			return nil, err
		}
		if acquired {
			defer r.Lease.Release(ctx, cfg.ID.String())
		}
	}

	if err := r.SyncConfigs.TryAcquireRun(ctx, cfg.ID, r.holder, r.Cfg.Sync.RunLockStaleAfter); err != nil {
		if errors.Is(err, store.ErrRunLockHeld) {
			concErr := &syncerr.ConcurrencyConflict{SyncConfigID: cfg.ID.String()}
			r.writeFailedLog(ctx, cfg, trigger, startedAt, concErr)
			return nil, concErr
		}
		lockErr := fmt.Errorf("acquiring run lock: %w", err)
		r.writeFailedLog(ctx, cfg, trigger, startedAt, lockErr)
		return nil, lockErr
	}
	defer r.SyncConfigs.ReleaseRun(ctx, cfg.ID)

	deps := syncengine.Deps{
		SourceA:          r.SourceA,
		SourceB:          r.SourceB,
		Checkpoints:      r.Checkpoints,
		IDColumnIndex:    r.Cfg.Sync.IDColumnIndex,
		BatchConcurrency: r.Cfg.Sync.BatchConcurrency,
	}

	authCtx := contextWithCredential(ctx, r.Credentials, cfg.OwnerID)
	result, runErr := r.runExecutor(authCtx, deps, *cfg, opts)

	completedAt := time.Now().UTC()

	if runErr != nil {
		var reauth *syncerr.OAuthError
		if errors.As(runErr, &reauth) {
			_ = r.Credentials.MarkNeedsReauth(ctx, cfg.OwnerID, store.ServiceSourceA, reauth.Error())
			_ = r.Credentials.MarkNeedsReauth(ctx, cfg.OwnerID, store.ServiceSourceB, reauth.Error())
		}
		r.writeLog(ctx, cfg, trigger, startedAt, completedAt, &syncengine.RunResult{
			Outcome: store.OutcomeFailed,
			Errors:  []string{runErr.Error()},
		})
		_ = r.SyncConfigs.RecordRunResult(ctx, cfg.ID, string(store.OutcomeFailed), userMessage(runErr))
		status := StateCompletedFailed
		if errors.As(runErr, &reauth) {
			status = StatePausedReauth
		}
		return &TriggerResult{
			Status: status,
			Details: TriggerDetails{
				Direction: cfg.Direction, StartedAt: startedAt, CompletedAt: completedAt,
				Duration: completedAt.Sub(startedAt),
			},
			Errors: []string{userMessage(runErr)},
		}, runErr
	}

	r.writeLog(ctx, cfg, trigger, startedAt, completedAt, result)
	_ = r.SyncConfigs.RecordRunResult(ctx, cfg.ID, string(result.Outcome), firstOrEmpty(result.Errors))
	if delta := int64(result.Added + result.Updated); delta > 0 {
		_ = r.Usage.IncrementRecordsSynced(ctx, cfg.OwnerID, completedAt, delta)
	}
	if r.Metrics != nil {
		r.Metrics.RunsTotal.WithLabelValues(string(cfg.Direction), string(result.Outcome)).Inc()
		r.Metrics.RunDurationSeconds.WithLabelValues(string(cfg.Direction)).Observe(completedAt.Sub(startedAt).Seconds())
		r.Metrics.RecordsSyncedTotal.WithLabelValues(cfg.ID.String()).Add(float64(result.Added + result.Updated + result.Deleted))
	}

	status := StateCompletedOK
	switch result.Outcome {
	case store.OutcomePartial:
		status = StateCompletedPartial
	case store.OutcomeFailed:
		status = StateCompletedFailed
	}

	var breakdown *syncengine.ConflictBreakdown
	if result.Conflicts.Total > 0 {
		breakdown = &result.Conflicts
	}

	return &TriggerResult{
		Status: status,
		Details: TriggerDetails{
			Added: result.Added, Updated: result.Updated, Deleted: result.Deleted,
			ErrorCount: len(result.Errors), Direction: cfg.Direction,
			StartedAt: startedAt, CompletedAt: completedAt, Duration: completedAt.Sub(startedAt),
		},
		Errors:    result.Errors,
		Warnings:  result.Warnings,
		Conflicts: breakdown,
	}, nil
}

func (r *Runner) runExecutor(ctx context.Context, deps syncengine.Deps, cfg store.SyncConfig, opts dispatchOpts) (*syncengine.RunResult, error) {
	if opts.deleteExtra {
		cfg.DeleteExtraRecords = true
	}
	switch cfg.Direction {
	case store.DirectionAToB:
		return syncengine.RunAToB(ctx, deps, cfg, opts.dryRun)
	case store.DirectionBToA:
		return syncengine.RunBToA(ctx, deps, cfg, opts.dryRun)
	case store.DirectionBidir:
		return syncengine.RunBidirectional(ctx, deps, cfg, syncengine.StrategyFromPolicy(cfg.ConflictPolicy))
	default:
		return nil, fmt.Errorf("sync config %s has unrecognized direction %q", cfg.ID, cfg.Direction)
	}
}

// checkSubscriptionGate rejects a run with SubscriptionRequired once the
// plan's monthly record limit is fully exhausted, and logs a warning (but
// still runs) once usage crosses 80% of that limit.
func (r *Runner) checkSubscriptionGate(ctx context.Context, owner *store.AppUser) (State, *syncerr.SubscriptionRequired) {
	limits := r.Cfg.Plans.Limits(owner.Plan)
	if limits.MonthlyRecordLimit <= 0 {
		return StateIdle, nil
	}

	now := time.Now().UTC()
	usage, err := r.Usage.Get(ctx, owner.ID, now.Year(), int(now.Month()))
	if err != nil {
		log.Error().Err(err).Str("owner_id", owner.ID.String()).Msg("failed to load usage stats for subscription gate")
		return StateIdle, nil
	}

	ratio := float64(usage.RecordsSynced) / float64(limits.MonthlyRecordLimit)
	if ratio >= 1.0 {
		return StatePausedLimit, &syncerr.SubscriptionRequired{
			UserID: owner.ID.String(),
			Reason: fmt.Sprintf("monthly record limit of %d reached (%d synced)", limits.MonthlyRecordLimit, usage.RecordsSynced),
		}
	}
	if ratio >= 0.8 {
		log.Warn().Str("owner_id", owner.ID.String()).Float64("ratio", ratio).Msg("sync config owner approaching monthly record limit")
	}
	return StateIdle, nil
}

func (r *Runner) writeLog(ctx context.Context, cfg *store.SyncConfig, trigger store.TriggerSource, startedAt, completedAt time.Time, result *syncengine.RunResult) {
	entry := &store.SyncLog{
		SyncConfigID:     cfg.ID,
		Outcome:          result.Outcome,
		Direction:        cfg.Direction,
		TriggerSource:    trigger,
		RecordsAdded:     result.Added,
		RecordsUpdated:   result.Updated,
		RecordsDeleted:   result.Deleted,
		RecordsFailed:    len(result.Errors),
		ConflictsTotal:   result.Conflicts.Total,
		ConflictsAWins:   result.Conflicts.AirtableWins,
		ConflictsBWins:   result.Conflicts.SheetsWins,
		ConflictsSkipped: result.Conflicts.Skipped,
		Errors:           result.Errors,
		Warnings:         result.Warnings,
		StartedAt:        startedAt,
		CompletedAt:      completedAt,
	}
	if err := r.SyncLogs.Append(ctx, entry); err != nil {
		log.Error().Err(err).Str("sync_config_id", cfg.ID.String()).Msg("failed to append sync log")
	}
}

// writeFailedLog covers the "the engine always writes a SyncLog, even
// when setup fails" for pre-execution failures (owner lookup, subscription
// gate, concurrency conflict, run-lock error) that never reach runExecutor.
func (r *Runner) writeFailedLog(ctx context.Context, cfg *store.SyncConfig, trigger store.TriggerSource, startedAt time.Time, cause error) {
	completedAt := time.Now().UTC()
	r.writeLog(ctx, cfg, trigger, startedAt, completedAt, &syncengine.RunResult{
		Outcome: store.OutcomeFailed,
		Errors:  []string{cause.Error()},
	})
}

func firstOrEmpty(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	return errs[0]
}

func userMessage(err error) string {
	var um syncerr.UserMessage
	if errors.As(err, &um) {
		return um.UserMessage()
	}
	return err.Error()
}

// contextWithCredential stashes the run's owner id so the shared
// sourcea.Client/sourceb.Client's authHeader closure (constructed once in
// cmd/server/main.go around credentials.Manager.GetValidToken) can resolve
// which owner's token to fetch on each outbound call.
func contextWithCredential(ctx context.Context, _ *credentials.Manager, ownerID uuid.UUID) context.Context {
	return context.WithValue(ctx, ownerContextKey{}, ownerID)
}

type ownerContextKey struct{}

// OwnerFromContext recovers the owner id stashed by contextWithCredential;
// sourcea/sourceb client authHeader closures call this to know which
// owner's credential to resolve.
func OwnerFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ownerContextKey{}).(uuid.UUID)
	return id, ok
}
