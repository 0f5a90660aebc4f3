// Package queue implements a single in-process priority- and
// delay-aware job store with a bounded worker pool, a per-job watchdog,
// bounded history rings, and a stuck-job sweeper.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"mailgate/internal/model"
)

// AttemptFunc is the engine's attempt entry point. It mutates job in
// place (Status/Result/LastError) for every normal outcome and returns
// a non-nil error only for conditions the engine itself did not
// anticipate. That error is the sole trigger for the queue's own
// safety-net retry; ordinary transport failures never reach it.
type AttemptFunc func(ctx context.Context, job *model.Job) error

// Config tunes the queue's worker pool and retention.
type Config struct {
	MaxConcurrency     int
	PollInterval       time.Duration
	JobTimeout         time.Duration
	RetryBaseDelay     time.Duration
	StuckSweepInterval time.Duration
	QueueMaxRetries    int
	HistoryLimit       int
	HistoryMaxAge      time.Duration

	// OnSafetyNetRetry, when set, is called once per queue-level retry so
	// the owner can surface a metric for them.
	OnSafetyNetRetry func(job *model.Job)
}

// DefaultConfig is the production worker-pool and retention tuning.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:     5,
		PollInterval:       time.Second,
		JobTimeout:         90 * time.Second,
		RetryBaseDelay:     5 * time.Second,
		StuckSweepInterval: 60 * time.Second,
		QueueMaxRetries:    0,
		HistoryLimit:       100,
		HistoryMaxAge:      24 * time.Hour,
	}
}

// Stats is the admin/observability snapshot (queueStats).
type Stats struct {
	Queued       int
	Processing   int
	Completed    int
	Failed       int
	Concurrency  int
	IsProcessing bool
}

// readyHeap orders jobs eligible to run now: priority desc, then FIFO.
type readyHeap []*model.Job

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].SubmittedAt.Before(h[j].SubmittedAt)
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(*model.Job)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}

// delayedHeap orders not-yet-eligible jobs by executeNotBefore.
type delayedHeap []*model.Job

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	return h[i].ExecuteNotBefore.Before(h[j].ExecuteNotBefore)
}
func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)   { *h = append(*h, x.(*model.Job)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}

// Queue is the C5 JobQueue.
type Queue struct {
	cfg     Config
	attempt AttemptFunc

	mu         sync.Mutex
	ready      readyHeap
	delayed    delayedHeap
	processing map[string]*model.Job
	completed  []*model.Job
	failed     []*model.Job
	retries    map[string]int

	wake     chan struct{}
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Queue. attempt is invoked once per dequeued job by a
// worker goroutine, under a jobTimeoutMs watchdog.
func New(cfg Config, attempt AttemptFunc) *Queue {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 90 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 5 * time.Second
	}
	if cfg.StuckSweepInterval <= 0 {
		cfg.StuckSweepInterval = 60 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	if cfg.HistoryMaxAge <= 0 {
		cfg.HistoryMaxAge = 24 * time.Hour
	}
	return &Queue{
		cfg:        cfg,
		attempt:    attempt,
		processing: make(map[string]*model.Job),
		retries:    make(map[string]int),
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// Enqueue admits a job, routing it to the ready or delayed heap
// depending on whether its delay has already elapsed.
func (q *Queue) Enqueue(job *model.Job) {
	now := time.Now()

	q.mu.Lock()
	job.Status = model.JobQueued
	if !job.ExecuteNotBefore.After(now) {
		heap.Push(&q.ready, job)
	} else {
		heap.Push(&q.delayed, job)
	}
	q.mu.Unlock()

	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// promoteLocked moves delayed jobs whose deadline has elapsed into the
// ready heap. Caller must hold q.mu.
func (q *Queue) promoteLocked(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].ExecuteNotBefore.After(now) {
		job := heap.Pop(&q.delayed).(*model.Job)
		heap.Push(&q.ready, job)
	}
}

// next blocks until a ready job is available or ctx is done.
func (q *Queue) next(ctx context.Context) (*model.Job, bool) {
	for {
		q.mu.Lock()
		q.promoteLocked(time.Now())
		if q.ready.Len() > 0 {
			job := heap.Pop(&q.ready).(*model.Job)
			now := time.Now()
			job.Status = model.JobProcessing
			job.StartedAt = &now
			q.processing[job.JobID] = job
			q.mu.Unlock()
			return job, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-time.After(q.cfg.PollInterval):
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Start launches the fixed worker pool and the stuck-job sweeper.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.cfg.MaxConcurrency; i++ {
		q.wg.Add(1)
		go q.runWorker(ctx)
	}
	q.wg.Add(1)
	go q.runSweeper(ctx)
}

func (q *Queue) runWorker(ctx context.Context) {
	defer q.wg.Done()
	for {
		job, ok := q.next(ctx)
		if !ok {
			return
		}
		q.runJob(ctx, job)
	}
}

// runJob invokes the engine's attempt under a jobTimeoutMs watchdog.
func (q *Queue) runJob(parent context.Context, job *model.Job) {
	ctx, cancel := context.WithTimeout(parent, q.cfg.JobTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- q.attempt(ctx, job)
	}()

	select {
	case err := <-done:
		q.finishAttempt(job, err)
	case <-ctx.Done():
		q.finishWatchdog(job)
	}
}

// finishAttempt handles the result of an attempt call that returned.
// A nil error means the engine already wrote a terminal job.Status
// (completed/failed); a non-nil error is the unexpected condition that
// triggers the queue's own bounded safety-net retry.
func (q *Queue) finishAttempt(job *model.Job, err error) {
	now := time.Now()

	q.mu.Lock()
	delete(q.processing, job.JobID)

	if err == nil {
		delete(q.retries, job.JobID)
		job.FinishedAt = &now
		q.fileLocked(job)
		q.mu.Unlock()
		return
	}

	retries := q.retries[job.JobID]
	if retries < q.cfg.QueueMaxRetries {
		q.retries[job.JobID] = retries + 1
		job.Attempts++
		job.Status = model.JobRetrying
		job.ExecuteNotBefore = now.Add(q.cfg.RetryBaseDelay * time.Duration(job.Attempts))
		heap.Push(&q.delayed, job)
		q.mu.Unlock()
		if q.cfg.OnSafetyNetRetry != nil {
			q.cfg.OnSafetyNetRetry(job)
		}
		q.signal()
		return
	}

	delete(q.retries, job.JobID)
	job.Status = model.JobFailed
	job.FinishedAt = &now
	job.LastError = &model.ErrorInfo{Kind: "exhausted", Code: "QUEUE_RETRIES_EXHAUSTED", Message: err.Error()}
	q.fileLocked(job)
	q.mu.Unlock()
}

// finishWatchdog is invoked when the job timeout elapses before the
// attempt returned. A watchdog failure is never re-queued.
func (q *Queue) finishWatchdog(job *model.Job) {
	now := time.Now()

	q.mu.Lock()
	delete(q.processing, job.JobID)
	delete(q.retries, job.JobID)
	job.Status = model.JobFailed
	job.FinishedAt = &now
	job.LastError = &model.ErrorInfo{Kind: "transient", Code: "PROCESSING_TIMEOUT", Message: "worker watchdog fired before the attempt returned"}
	q.fileLocked(job)
	q.mu.Unlock()
}

// fileLocked moves a terminal job into its bounded history ring.
// Caller must hold q.mu.
func (q *Queue) fileLocked(job *model.Job) {
	switch job.Status {
	case model.JobCompleted:
		q.completed = pruneHistory(append(q.completed, job), q.cfg.HistoryLimit, q.cfg.HistoryMaxAge)
	case model.JobFailed:
		q.failed = pruneHistory(append(q.failed, job), q.cfg.HistoryLimit, q.cfg.HistoryMaxAge)
	}
}

func pruneHistory(jobs []*model.Job, limit int, maxAge time.Duration) []*model.Job {
	cutoff := time.Now().Add(-maxAge)
	kept := jobs[:0]
	for _, j := range jobs {
		if j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, j)
	}
	if len(kept) > limit {
		kept = kept[len(kept)-limit:]
	}
	return kept
}

// runSweeper promotes any processing job whose watchdog deadline has
// already passed (its worker vanished) to failed.
func (q *Queue) runSweeper(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.StuckSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			q.sweepStuck(now)
		}
	}
}

func (q *Queue) sweepStuck(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, job := range q.processing {
		if job.StartedAt == nil {
			continue
		}
		if job.StartedAt.Add(q.cfg.JobTimeout).Before(now) {
			delete(q.processing, id)
			job.Status = model.JobFailed
			finished := now
			job.FinishedAt = &finished
			job.LastError = &model.ErrorInfo{Kind: "transient", Code: "PROCESSING_TIMEOUT", Message: "stuck-job sweeper reclaimed an orphaned worker"}
			q.fileLocked(job)
		}
	}
}

// Shutdown stops admitting new work implicitly (callers should stop
// calling Enqueue), waits grace for in-flight attempts, then returns.
// Workers exit once ctx (passed to Start) is cancelled by the caller;
// any still-queued/retrying jobs are simply abandoned in memory, which
// is acceptable since durability across restarts is a non-goal.
func (q *Queue) Shutdown(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}
}

// LatestByRequestID returns the most recently submitted Job for a
// requestId across the ready/delayed/processing sets and both history
// rings, or false if none exists.
func (q *Queue) LatestByRequestID(requestID string) (*model.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var latest *model.Job
	consider := func(j *model.Job) {
		if j.RequestID != requestID {
			return
		}
		if latest == nil || j.SubmittedAt.After(latest.SubmittedAt) {
			latest = j
		}
	}
	for _, j := range q.ready {
		consider(j)
	}
	for _, j := range q.delayed {
		consider(j)
	}
	for _, j := range q.processing {
		consider(j)
	}
	for _, j := range q.completed {
		consider(j)
	}
	for _, j := range q.failed {
		consider(j)
	}
	if latest == nil {
		return nil, false
	}
	return latest, true
}

// Stats returns the admin-interface queueStats snapshot.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Queued:       q.ready.Len() + q.delayed.Len(),
		Processing:   len(q.processing),
		Completed:    len(q.completed),
		Failed:       len(q.failed),
		Concurrency:  q.cfg.MaxConcurrency,
		IsProcessing: len(q.processing) > 0,
	}
}
