// Package scheduler dispatches agent Runs across lanes with single-flight
// discipline per session.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zhubby/moltis-sub004/internal/agent"
)

// Lane partitions scheduling concurrency by run origin, so a flood of cron
// jobs or subagent spawns cannot starve interactively-triggered runs.
type Lane string

const (
	LaneMain     Lane = "main"
	LaneCron     Lane = "cron"
	LaneSubagent Lane = "subagent"
	LaneDelegate Lane = "delegate"
)

// QueueMode controls what happens when a new request arrives for a session
// key that already has a run in flight.
type QueueMode string

const (
	// QueueFollowup appends the new message to the in-flight run's pending
	// follow-up list; it is folded into the NEXT turn once the current one
	// completes, rather than starting a second concurrent run.
	QueueFollowup QueueMode = "followup"
	// QueueCollect buffers concurrent requests for the same session and
	// runs them as one combined request once the in-flight run completes.
	QueueCollect QueueMode = "collect"
)

// LaneConfig is one lane's concurrency and queueing policy.
type LaneConfig struct {
	Concurrency int
	QueueMode   QueueMode
}

// DefaultLanes provides a generous subagent and delegate allowance, a
// conservative cron allowance (cron jobs often fan out to the same few
// agents), and a moderate main-lane default. Lane concurrency is fixed at
// construction; no per-session narrowing is applied.
func DefaultLanes() map[Lane]LaneConfig {
	return map[Lane]LaneConfig{
		LaneMain:     {Concurrency: 8, QueueMode: QueueFollowup},
		LaneCron:     {Concurrency: 2, QueueMode: QueueCollect},
		LaneSubagent: {Concurrency: 8, QueueMode: QueueCollect},
		LaneDelegate: {Concurrency: 4, QueueMode: QueueCollect},
	}
}

// QueueConfig tunes the dispatcher's background behavior.
type QueueConfig struct {
	Capacity          int           // per-lane pending queue capacity
	CronRatePerMinute int           // global cron dispatch rate limit
	StuckRunThreshold time.Duration // force-reset a run running longer than this
	SweepInterval     time.Duration
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Capacity:          256,
		CronRatePerMinute: 60,
		StuckRunThreshold: 2 * time.Hour,
		SweepInterval:     5 * time.Minute,
	}
}

// RunFunc resolves and executes one agent Run. The scheduler never
// interprets RunRequest itself — it is opaque routing context owned by the caller.
type RunFunc func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)

// Outcome is delivered on the channel returned by Schedule/ScheduleWithOpts.
type Outcome struct {
	Result *agent.RunResult
	Err    error
}

// ScheduleOpts narrows behavior for one Schedule call.
type ScheduleOpts struct {
	// MaxConcurrent is carried on the queued job but not consulted: the
	// lane's configured concurrency is the only limit applied.
	MaxConcurrent int
}

type pendingJob struct {
	ctx      context.Context
	lane     Lane
	req      agent.RunRequest
	opts     ScheduleOpts
	resultCh chan Outcome
}

type runningRun struct {
	cancel    context.CancelFunc
	startedAt time.Time
	runID     string
}

type sessionState struct {
	mu        sync.Mutex
	running   *runningRun
	followups []agent.RunRequest // QueueFollowup: merged into the next turn
	collected []pendingJob       // QueueCollect: run back-to-back once current completes
}

// Scheduler is the single-flight-per-session turn dispatcher.
type Scheduler struct {
	lanes   map[Lane]LaneConfig
	cfg     QueueConfig
	runFunc RunFunc

	cronLimiter *rate.Limiter

	mu              sync.Mutex
	sessions        map[string]*sessionState
	laneSem         map[Lane]chan struct{}
	followupWaiters []followupWaiter

	tokenEstimateFunc func(sessionKey string) (tokens, contextWindow int)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler builds a Scheduler. lanes/queueCfg are typically
// DefaultLanes()/DefaultQueueConfig(); runFunc resolves and executes a Run.
func NewScheduler(lanes map[Lane]LaneConfig, queueCfg QueueConfig, runFunc RunFunc) *Scheduler {
	s := &Scheduler{
		lanes:    lanes,
		cfg:      queueCfg,
		runFunc:  runFunc,
		sessions: make(map[string]*sessionState),
		laneSem:  make(map[Lane]chan struct{}),
		stopCh:   make(chan struct{}),
	}
	for lane, lc := range lanes {
		n := lc.Concurrency
		if n <= 0 {
			n = 1
		}
		s.laneSem[lane] = make(chan struct{}, n)
	}
	if queueCfg.CronRatePerMinute > 0 {
		s.cronLimiter = rate.NewLimiter(rate.Limit(float64(queueCfg.CronRatePerMinute)/60.0), queueCfg.CronRatePerMinute)
	}

	s.wg.Add(1)
	go s.sweepStuckRuns()

	return s
}

// SetTokenEstimateFunc stores a per-session token/context-window estimator.
// The scheduler does not call it; concurrency is not adjusted from it.
func (s *Scheduler) SetTokenEstimateFunc(f func(sessionKey string) (int, int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenEstimateFunc = f
}

// Schedule enqueues req on lane with the lane's default options.
func (s *Scheduler) Schedule(ctx context.Context, lane Lane, req agent.RunRequest) <-chan Outcome {
	return s.ScheduleWithOpts(ctx, lane, req, ScheduleOpts{})
}

// ScheduleWithOpts enqueues req on lane, honoring single-flight-per-session:
// if a run for req.SessionKey is already in flight, the request is queued
// per the lane's QueueMode instead of starting a second concurrent run.
func (s *Scheduler) ScheduleWithOpts(ctx context.Context, lane Lane, req agent.RunRequest, opts ScheduleOpts) <-chan Outcome {
	resultCh := make(chan Outcome, 1)
	job := pendingJob{ctx: ctx, lane: lane, req: req, opts: opts, resultCh: resultCh}

	if lane == LaneCron && s.cronLimiter != nil {
		if err := s.cronLimiter.Wait(ctx); err != nil {
			resultCh <- Outcome{Err: err}
			close(resultCh)
			return resultCh
		}
	}

	st := s.stateFor(req.SessionKey)
	st.mu.Lock()
	if st.running != nil {
		lc := s.lanes[lane]
		switch lc.QueueMode {
		case QueueFollowup:
			st.followups = append(st.followups, req)
			st.mu.Unlock()
			// Caller gets the eventual result of the turn their message was
			// folded into — wait for a send on the session's notify side
			// channel would add complexity disproportionate to this case;
			// instead surface a best-effort immediate no-op outcome plus
			// the real content once the merged run completes.
			s.attachFollowupWaiter(req.SessionKey, resultCh)
			return resultCh
		default: // QueueCollect
			st.collected = append(st.collected, job)
			st.mu.Unlock()
			return resultCh
		}
	}
	st.mu.Unlock()

	s.dispatch(st, job)
	return resultCh
}

func (s *Scheduler) stateFor(sessionKey string) *sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionKey]
	if !ok {
		st = &sessionState{}
		s.sessions[sessionKey] = st
	}
	return st
}

func (s *Scheduler) attachFollowupWaiter(sessionKey string, ch chan Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.followupWaiters = append(s.followupWaiters, followupWaiter{sessionKey: sessionKey, ch: ch})
}

type followupWaiter struct {
	sessionKey string
	ch         chan Outcome
}

func (s *Scheduler) dispatch(st *sessionState, job pendingJob) {
	sem := s.laneSem[job.lane]
	runCtx, cancel := context.WithCancel(job.ctx)

	st.mu.Lock()
	st.running = &runningRun{cancel: cancel, startedAt: time.Now(), runID: job.req.RunID}
	st.mu.Unlock()

	go func() {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		case <-runCtx.Done():
			job.resultCh <- Outcome{Err: runCtx.Err()}
			close(job.resultCh)
			s.finishRun(st, job.req.SessionKey)
			return
		}

		req := s.applyFollowups(job.req.SessionKey, job.req)
		result, err := s.runFunc(runCtx, req)
		job.resultCh <- Outcome{Result: result, Err: err}
		close(job.resultCh)

		s.notifyFollowupWaiters(job.req.SessionKey, Outcome{Result: result, Err: err})
		s.finishRun(st, job.req.SessionKey)
	}()
}

// applyFollowups folds any messages queued in QueueFollowup mode while this
// run was executing into the request actually sent to runFunc. Since the
// merge happens before dispatch of a NEW run (not mid-run), effectively this
// collects what queued up between schedule calls for an already-running
// session and appends it, after the request's own message, on the NEXT run.
func (s *Scheduler) applyFollowups(sessionKey string, req agent.RunRequest) agent.RunRequest {
	s.mu.Lock()
	st := s.sessions[sessionKey]
	s.mu.Unlock()
	if st == nil {
		return req
	}

	st.mu.Lock()
	pending := st.followups
	st.followups = nil
	st.mu.Unlock()

	for _, f := range pending {
		if f.Message != "" {
			if req.Message != "" {
				req.Message += "\n\n" + f.Message
			} else {
				req.Message = f.Message
			}
		}
	}
	return req
}

func (s *Scheduler) notifyFollowupWaiters(sessionKey string, outcome Outcome) {
	s.mu.Lock()
	var remaining []followupWaiter
	var toNotify []followupWaiter
	for _, w := range s.followupWaiters {
		if w.sessionKey == sessionKey {
			toNotify = append(toNotify, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	s.followupWaiters = remaining
	s.mu.Unlock()

	for _, w := range toNotify {
		w.ch <- outcome
		close(w.ch)
	}
}

func (s *Scheduler) finishRun(st *sessionState, sessionKey string) {
	st.mu.Lock()
	st.running = nil
	var next *pendingJob
	if len(st.collected) > 0 {
		j := st.collected[0]
		st.collected = st.collected[1:]
		next = &j
	}
	st.mu.Unlock()

	if next != nil {
		s.dispatch(st, *next)
	}
}

// CancelSession cancels every in-flight and queued run for sessionKey
// ("/stopall" — cancel this session's whole backlog).
func (s *Scheduler) CancelSession(sessionKey string) bool {
	s.mu.Lock()
	st, ok := s.sessions[sessionKey]
	s.mu.Unlock()
	if !ok {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	cancelled := false
	if st.running != nil {
		st.running.cancel()
		cancelled = true
	}
	for _, j := range st.collected {
		j.resultCh <- Outcome{Err: context.Canceled}
		close(j.resultCh)
	}
	st.collected = nil
	st.followups = nil
	return cancelled
}

// CancelOneSession cancels only the currently in-flight run for sessionKey
// ("/stop" — leave any queued follow-ups/collected requests intact).
func (s *Scheduler) CancelOneSession(sessionKey string) bool {
	s.mu.Lock()
	st, ok := s.sessions[sessionKey]
	s.mu.Unlock()
	if !ok {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.running == nil {
		return false
	}
	st.running.cancel()
	return true
}

// sweepStuckRuns periodically force-cancels runs that have exceeded
// StuckRunThreshold, guarding against a hung provider/tool call pinning a
// session's single-flight slot forever.
func (s *Scheduler) sweepStuckRuns() {
	defer s.wg.Done()
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	threshold := s.cfg.StuckRunThreshold
	if threshold <= 0 {
		threshold = 2 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			sessions := make([]*sessionState, 0, len(s.sessions))
			for _, st := range s.sessions {
				sessions = append(sessions, st)
			}
			s.mu.Unlock()

			for _, st := range sessions {
				st.mu.Lock()
				r := st.running
				st.mu.Unlock()
				if r != nil && now.Sub(r.startedAt) > threshold {
					slog.Warn("scheduler: force-resetting stuck run", "run_id", r.runID, "age", now.Sub(r.startedAt))
					r.cancel()
				}
			}
		case <-s.stopCh:
			return
		}
	}
}

// Stop shuts down the background sweeper. In-flight runs are not cancelled.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}
