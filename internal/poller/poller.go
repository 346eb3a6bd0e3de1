// Package poller runs the periodic poll cycle: it fetches each subscribed
// repository once, filters the issues per chat, dispatches notifications and
// advances the per-chat watermarks.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/errgroup"

	"github.com/user/issuebot/internal/github"
	"github.com/user/issuebot/internal/metrics"
	"github.com/user/issuebot/internal/storage"
	"github.com/user/issuebot/pkg/logger"
)

var (
	// ErrCycleRunning is returned when a cycle is requested while one runs.
	ErrCycleRunning = errors.New("poll cycle already running")
	// ErrHalted is returned while polling is halted after a fatal failure.
	ErrHalted = errors.New("polling halted")
	// ErrWatermarkStorage is returned for a cycle that could not read or
	// write some watermarks. The rest of the cycle still ran.
	ErrWatermarkStorage = errors.New("watermark storage failed")
)

// IssueSource fetches the open issues of a repository.
type IssueSource interface {
	FetchOpenIssues(ctx context.Context, owner, name string, labels []string) ([]github.Issue, error)
}

// SubscriptionReader is the part of the subscription store the cycle reads.
type SubscriptionReader interface {
	ListDistinctRepositories(ctx context.Context) ([]storage.Repository, error)
	ListByRepository(ctx context.Context, nameWithOwner string) ([]storage.Subscription, error)
}

// WatermarkStore reads and advances per-pair watermarks.
type WatermarkStore interface {
	Get(ctx context.Context, chatID int64, repoFullName string) (time.Time, bool, error)
	Commit(ctx context.Context, chatID int64, repoFullName string, t time.Time) (bool, error)
}

// Notifier delivers one issue notification to a chat.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, repo storage.Repository, issue github.Issue) error
}

// Phase is the step a cycle is in.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseFetching
	PhaseFiltering
	PhaseDispatching
	PhaseCommitting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetching:
		return "fetching"
	case PhaseFiltering:
		return "filtering"
	case PhaseDispatching:
		return "dispatching"
	case PhaseCommitting:
		return "committing"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Options configures a Poller.
type Options struct {
	Interval            time.Duration
	FetchConcurrency    int
	DispatchConcurrency int
	FirstPollLimit      int
}

// CycleSummary describes a finished cycle.
type CycleSummary struct {
	ID           uint64        `json:"id"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Repositories int           `json:"repositories"`
	FetchFailed  int           `json:"fetch_failed"`
	Pairs        int           `json:"pairs"`
	Notified     int           `json:"notified"`
	PairsFailed  int           `json:"pairs_failed"`
	Committed    int           `json:"committed"`
	StoreErrors  int           `json:"store_errors"`
	Err          string        `json:"error,omitempty"`
}

// Status is a snapshot of the poller for operators.
type Status struct {
	Phase     Phase
	Halted    bool
	HaltErr   string
	LastCycle *CycleSummary
	NextRun   time.Time
}

// Poller periodically polls subscribed repositories.
type Poller struct {
	source   IssueSource
	subs     SubscriptionReader
	marks    WatermarkStore
	notifier Notifier
	locker   Locker
	opts     Options
	now      func() time.Time

	running sync.Mutex
	seq     atomic.Uint64
	phase   atomic.Int32

	mu      sync.Mutex
	haltErr error
	last    *CycleSummary

	cron    *cron.Cron
	entryID cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new poller. locker may be nil.
func New(source IssueSource, subs SubscriptionReader, marks WatermarkStore, notifier Notifier, locker Locker, opts Options) *Poller {
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = 1
	}
	if opts.DispatchConcurrency <= 0 {
		opts.DispatchConcurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		source:   source,
		subs:     subs,
		marks:    marks,
		notifier: notifier,
		locker:   locker,
		opts:     opts,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start schedules cycles every Interval and runs the first one immediately.
// A tick that fires while a cycle is still running is skipped.
func (p *Poller) Start() {
	cl := logger.CronLogger{}
	p.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	p.entryID = p.cron.Schedule(cron.Every(p.opts.Interval), cron.FuncJob(p.tick))
	p.cron.Start()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.tick()
	}()
	logger.Info().Dur("interval", p.opts.Interval).Msg("Poller started")
}

// Stop stops scheduling and cancels a running cycle. Pairs whose dispatch
// was interrupted keep their watermark.
func (p *Poller) Stop() {
	logger.Info().Msg("Stopping poller")
	p.cancel()
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
	p.wg.Wait()
}

func (p *Poller) tick() {
	summary, err := p.RunCycle(p.ctx)
	switch {
	case err == nil:
		logger.Info().
			Uint64("cycle_id", summary.ID).
			Int("repositories", summary.Repositories).
			Int("notified", summary.Notified).
			Int("committed", summary.Committed).
			Dur("duration", summary.Duration).
			Msg("Poll cycle finished")
	case errors.Is(err, ErrCycleRunning), errors.Is(err, ErrLockHeld):
		logger.Debug().Err(err).Msg("Poll cycle skipped")
	case errors.Is(err, ErrHalted):
		logger.Warn().Err(err).Msg("Poll cycle skipped, poller halted")
	case errors.Is(err, context.Canceled):
		logger.Debug().Msg("Poll cycle cancelled")
	default:
		logger.Error().Err(err).Msg("Poll cycle failed")
	}
}

// Status returns the current poller state.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{Phase: p.Phase()}
	if p.haltErr != nil {
		st.Halted = true
		st.HaltErr = p.haltErr.Error()
	}
	if p.last != nil {
		last := *p.last
		st.LastCycle = &last
	}
	if p.cron != nil {
		st.NextRun = p.cron.Entry(p.entryID).Next
	}
	return st
}

// Phase returns the phase of the running cycle, or PhaseIdle.
func (p *Poller) Phase() Phase {
	return Phase(p.phase.Load())
}

// Resume clears a halt caused by a fatal failure. It reports whether the
// poller was halted.
func (p *Poller) Resume() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	halted := p.haltErr != nil
	p.haltErr = nil
	metrics.SetHalted(false)
	if halted {
		logger.Info().Msg("Poller resumed")
	}
	return halted
}

func (p *Poller) halt(err error) {
	p.mu.Lock()
	p.haltErr = err
	p.mu.Unlock()
	metrics.SetHalted(true)
}

func (p *Poller) haltError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.haltErr
}

func (p *Poller) setPhase(ph Phase) {
	p.phase.Store(int32(ph))
}

// repoBatch is one repository's fetch result together with its subscribers.
type repoBatch struct {
	repo   storage.Repository
	subs   []storage.Subscription
	labels storage.Labels
	issues []github.Issue
	err    error
}

// pairBatch is the work for one (chat, repository) pair.
type pairBatch struct {
	chatID     int64
	repo       storage.Repository
	candidates []github.Issue
	sent       int
	ok         bool
}

// RunCycle runs one poll cycle. It returns ErrCycleRunning when another
// cycle is in progress and ErrHalted while polling is halted.
func (p *Poller) RunCycle(ctx context.Context) (*CycleSummary, error) {
	if !p.running.TryLock() {
		metrics.IncCycle("skipped")
		return nil, ErrCycleRunning
	}
	defer p.running.Unlock()

	if err := p.haltError(); err != nil {
		metrics.IncCycle("halted")
		return nil, fmt.Errorf("%w: %v", ErrHalted, err)
	}

	if p.locker != nil {
		release, err := p.locker.Acquire(ctx)
		if err != nil {
			metrics.IncCycle("skipped")
			return nil, err
		}
		defer release()
	}

	start := p.now()
	summary := &CycleSummary{
		ID:        p.seq.Add(1),
		StartedAt: start.UTC().Truncate(time.Second),
	}
	defer p.setPhase(PhaseIdle)

	err := p.runCycle(ctx, summary)
	summary.Duration = p.now().Sub(start)
	if err != nil {
		summary.Err = err.Error()
	}

	p.mu.Lock()
	p.last = summary
	p.mu.Unlock()

	switch {
	case err == nil:
		metrics.IncCycle("ok")
		metrics.ObserveCycle(summary.Duration)
		return summary, nil
	case errors.Is(err, github.ErrFatal):
		metrics.IncCycle("halted")
	default:
		metrics.IncCycle("failed")
	}
	return summary, err
}

func (p *Poller) runCycle(ctx context.Context, summary *CycleSummary) error {
	cycleTime := summary.StartedAt
	log := logger.WithField("cycle_id", summary.ID)

	batches, err := p.snapshot(ctx)
	if err != nil {
		return err
	}
	summary.Repositories = len(batches)
	if len(batches) == 0 {
		return nil
	}

	p.setPhase(PhaseFetching)
	if err := p.fetch(ctx, batches); err != nil {
		p.halt(err)
		log.Error().Err(err).Msg("Fatal GitHub failure, halting poller")
		return err
	}

	p.setPhase(PhaseFiltering)
	var pairs []*pairBatch
	for _, b := range batches {
		if b.err != nil {
			summary.FetchFailed++
			continue
		}
		pairs = append(pairs, p.filter(ctx, b, cycleTime, summary)...)
	}
	summary.Pairs = len(pairs)

	p.setPhase(PhaseDispatching)
	p.dispatch(ctx, pairs)

	if err := ctx.Err(); err != nil {
		// Abandoned cycle: nothing is committed.
		return err
	}

	p.setPhase(PhaseCommitting)
	for _, pair := range pairs {
		summary.Notified += pair.sent
		if !pair.ok {
			summary.PairsFailed++
			continue
		}
		written, err := p.marks.Commit(ctx, pair.chatID, pair.repo.NameWithOwner, cycleTime)
		if err != nil {
			summary.StoreErrors++
			metrics.IncCommit("failed")
			log.Error().Err(err).
				Int64("chat_id", pair.chatID).
				Str("repo", pair.repo.NameWithOwner).
				Msg("Failed to commit watermark")
			continue
		}
		if !written {
			// Subscription removed during the cycle.
			metrics.IncCommit("skipped")
			continue
		}
		metrics.IncCommit("committed")
		summary.Committed++
	}

	if summary.StoreErrors > 0 {
		return fmt.Errorf("%w: %d watermark reads or writes failed", ErrWatermarkStorage, summary.StoreErrors)
	}
	return nil
}

// snapshot groups the current subscriptions by repository.
func (p *Poller) snapshot(ctx context.Context) ([]*repoBatch, error) {
	repos, err := p.subs.ListDistinctRepositories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}

	batches := make([]*repoBatch, 0, len(repos))
	total := 0
	for _, repo := range repos {
		subs, err := p.subs.ListByRepository(ctx, repo.NameWithOwner)
		if err != nil {
			return nil, fmt.Errorf("list subscribers of %s: %w", repo, err)
		}
		if len(subs) == 0 {
			continue
		}
		total += len(subs)
		batches = append(batches, &repoBatch{repo: repo, subs: subs, labels: labelUnion(subs)})
	}
	metrics.SetSubscriptions(total, len(batches))
	return batches, nil
}

// fetch loads every batch's issues with bounded concurrency, one call per
// repository. Only a fatal failure is returned; other failures are kept on
// the batch.
func (p *Poller) fetch(ctx context.Context, batches []*repoBatch) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.FetchConcurrency)

	for _, b := range batches {
		if len(b.labels) == 0 {
			// No subscriber tracks any label, so nothing can match.
			continue
		}
		b := b
		g.Go(func() error {
			issues, err := p.source.FetchOpenIssues(gctx, b.repo.Owner, b.repo.Name, b.labels)
			metrics.IncFetch(fetchResult(err))
			if err != nil {
				b.err = err
				if errors.Is(err, github.ErrFatal) {
					return err
				}
				if gctx.Err() == nil {
					logger.Warn().Err(err).Str("repo", b.repo.NameWithOwner).Msg("Failed to fetch issues, skipping repository")
				}
				return nil
			}
			b.issues = issues
			return nil
		})
	}
	return g.Wait()
}

// filter computes the candidate batch of every subscriber of a fetched repository.
func (p *Poller) filter(ctx context.Context, b *repoBatch, cycleTime time.Time, summary *CycleSummary) []*pairBatch {
	pairs := make([]*pairBatch, 0, len(b.subs))
	for _, sub := range b.subs {
		mark, ok, err := p.marks.Get(ctx, sub.ChatID, b.repo.NameWithOwner)
		if err != nil {
			summary.StoreErrors++
			logger.Error().Err(err).
				Int64("chat_id", sub.ChatID).
				Str("repo", b.repo.NameWithOwner).
				Msg("Failed to read watermark, skipping subscription")
			continue
		}
		pairs = append(pairs, &pairBatch{
			chatID:     sub.ChatID,
			repo:       b.repo,
			candidates: selectCandidates(b.issues, sub.TrackedLabels, mark, ok, cycleTime, p.opts.FirstPollLimit),
		})
	}
	return pairs
}

// dispatch sends every pair's candidates. Chats are served concurrently,
// each chat's pairs sequentially. A pair stops at its first failed
// notification and stays uncommitted.
func (p *Poller) dispatch(ctx context.Context, pairs []*pairBatch) {
	byChat := make(map[int64][]*pairBatch)
	var chats []int64
	for _, pair := range pairs {
		if _, ok := byChat[pair.chatID]; !ok {
			chats = append(chats, pair.chatID)
		}
		byChat[pair.chatID] = append(byChat[pair.chatID], pair)
	}

	workers := pool.New().WithMaxGoroutines(p.opts.DispatchConcurrency)
	for _, chatID := range chats {
		chatPairs := byChat[chatID]
		workers.Go(func() {
			for _, pair := range chatPairs {
				pair.ok = p.sendPair(ctx, pair)
			}
		})
	}
	workers.Wait()
}

func (p *Poller) sendPair(ctx context.Context, pair *pairBatch) bool {
	for _, issue := range pair.candidates {
		if err := p.notifier.Notify(ctx, pair.chatID, pair.repo, issue); err != nil {
			metrics.IncNotification("failed")
			logger.Warn().Err(err).
				Int64("chat_id", pair.chatID).
				Str("repo", pair.repo.NameWithOwner).
				Int("issue", issue.Number).
				Msg("Notification failed, watermark kept")
			return false
		}
		pair.sent++
		metrics.IncNotification("sent")
	}
	return true
}

func fetchResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, github.ErrNotFound):
		return "not_found"
	case errors.Is(err, github.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, github.ErrFatal):
		return "fatal"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "transient"
	}
}
