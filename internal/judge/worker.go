package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/event"
	"github.com/victornm/codeduel/internal/state"
	"github.com/victornm/codeduel/internal/telemetry"
	"github.com/victornm/codeduel/internal/workqueue"
)

// Job is the message carried by the work queue.
type Job struct {
	Submission domain.Submission `json:"submission"`
	TestCases  []domain.TestCase `json:"test_cases"`
}

type DispatcherConfig struct {
	Queue workqueue.Queue
	Gate  *Gate
}

type Dispatcher struct {
	queue workqueue.Queue
	gate  *Gate
}

func NewDispatcher(c DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		queue: c.Queue,
		gate:  c.Gate,
	}
}

// Dispatch enqueues a submission for judging.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("judge: marshal job: %w", err)
	}

	// Count first so that the workers are resumed by the time the job is visible.
	if err := d.gate.Add(ctx); err != nil {
		slog.WarnContext(ctx, "judge: count submission in flight failed",
			"submission_id", job.Submission.SubmissionID,
			"error", err,
		)
	}

	if err := d.queue.Publish(ctx, b); err != nil {
		if derr := d.gate.Done(ctx); derr != nil {
			slog.WarnContext(ctx, "judge: uncount submission failed", "error", derr)
		}
		return fmt.Errorf("judge: dispatch %s: %w", job.Submission.SubmissionID, err)
	}

	return nil
}

type WorkerConfig struct {
	Queue       workqueue.Queue
	Judge       *Judge
	Submissions state.SubmissionStore
	EventBus    *event.Bus
	Gate        *Gate
	Concurrency int
	Now         func() time.Time
}

// Worker consumes judge jobs and writes the results back into the submission records.
type Worker struct {
	queue       workqueue.Queue
	judge       *Judge
	submissions state.SubmissionStore
	eb          *event.Bus
	gate        *Gate
	concurrency int
	now         func() time.Time
}

func NewWorker(c WorkerConfig) *Worker {
	w := &Worker{
		queue:       c.Queue,
		judge:       c.Judge,
		submissions: c.Submissions,
		eb:          c.EventBus,
		gate:        c.Gate,
		concurrency: c.Concurrency,
		now:         c.Now,
	}

	if w.now == nil {
		w.now = time.Now
	}

	return w
}

// Run consumes jobs until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "judge: worker started", "concurrency", w.concurrency)

	return w.queue.Consume(ctx, w.Handle,
		workqueue.WithConcurrency(w.concurrency),
		workqueue.WithReady(w.gate.Wait),
	)
}

// Handle judges one job. An error means the result could not be stored and the job must be redelivered.
func (w *Worker) Handle(ctx context.Context, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("judge: handler panic: %v, stack: %s", r, debug.Stack())
		}
	}()

	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		slog.ErrorContext(ctx, "judge: drop malformed job", "error", err)
		w.done(ctx, "")
		return nil
	}

	s := job.Submission
	start := w.now()
	res := w.judge.Run(ctx, s.Code, s.Language, job.TestCases)
	telemetry.JudgeDuration.WithLabelValues(string(res.Verdict)).Observe(w.now().Sub(start).Seconds())

	s.Status = domain.SubmissionStatusDone
	s.Result = &res

	ok, err := w.submissions.CompleteSubmission(ctx, s)
	if err != nil {
		return err
	}

	if ok {
		slog.InfoContext(ctx, "judge: submission judged",
			"submission_id", s.SubmissionID,
			"match_id", s.MatchID,
			"user_id", s.UserID,
			"verdict", res.Verdict,
		)
		w.eb.Publish(ctx, domain.EventSubmissionJudged{Submission: s})
	} else {
		slog.InfoContext(ctx, "judge: submission is gone, result dropped",
			"submission_id", s.SubmissionID,
			"match_id", s.MatchID,
		)
	}

	w.done(ctx, s.SubmissionID)
	return nil
}

// done takes a finished or dropped job off the in-flight count.
func (w *Worker) done(ctx context.Context, submissionID string) {
	if err := w.gate.Done(ctx); err != nil {
		slog.WarnContext(ctx, "judge: uncount submission failed", "submission_id", submissionID, "error", err)
	}
}
