package judge_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/event"
	"github.com/victornm/codeduel/internal/judge"
	"github.com/victornm/codeduel/internal/retry"
	"github.com/victornm/codeduel/internal/state"
	"github.com/victornm/codeduel/internal/workqueue"
)

func TestWorker(t *testing.T) {
	tests := map[string]struct {
		client      *fakeClient
		wantPassed  bool
		wantVerdict domain.Verdict
	}{
		"accepted submission should be stored as passed": {
			client:      newFakeClient(ok(domain.VerdictAccepted)),
			wantPassed:  true,
			wantVerdict: domain.VerdictAccepted,
		},

		"unavailable judge should still complete the submission": {
			client:      newFakeClient(fail(codes.Unavailable), fail(codes.Unavailable)),
			wantPassed:  false,
			wantVerdict: domain.VerdictJudgeUnavailable,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			rc := makeRedis(t)
			store := state.NewRedis(state.Config{Redis: rc, Prefix: "test"})
			queue := workqueue.NewRedis(workqueue.RedisConfig{Redis: rc, Prefix: "test", Name: "judge", ConsumerID: "c1", PollTimeout: 20 * time.Millisecond})
			gate := judge.NewGate(judge.GateConfig{Redis: rc, Prefix: "test", MaxIdle: 20 * time.Millisecond})
			eb := event.NewBus()

			var (
				mu     sync.Mutex
				judged []domain.Submission
			)
			eb.Subscribe(domain.EventNameSubmissionJudged, func(_ context.Context, e event.Event) error {
				mu.Lock()
				defer mu.Unlock()
				judged = append(judged, e.(domain.EventSubmissionJudged).Submission)
				return nil
			})

			now := time.Now()
			m := domain.Match{
				MatchID:      "m1",
				Participants: []string{"a", "b"},
				Questions:    []domain.MatchQuestion{{QuestionID: "q1", Position: 1}},
				StartedAt:    now,
				Duration:     time.Hour,
				ExpiresAt:    now.Add(time.Hour),
			}
			require.NoError(t, store.Create(ctx, m, time.Hour))

			sub := domain.Submission{
				SubmissionID: "s1",
				MatchID:      "m1",
				UserID:       "a",
				QuestionID:   "q1",
				Code:         "print(1)",
				Language:     "python",
				CreatedAt:    now,
				Status:       domain.SubmissionStatusPending,
			}
			require.NoError(t, store.AddSubmission(ctx, sub, time.Hour))

			d := judge.NewDispatcher(judge.DispatcherConfig{Queue: queue, Gate: gate})
			require.NoError(t, d.Dispatch(ctx, judge.Job{
				Submission: sub,
				TestCases:  []domain.TestCase{{Input: "", ExpectedOutput: "1"}},
			}))

			w := judge.NewWorker(judge.WorkerConfig{
				Queue:       queue,
				Judge:       judge.New(judge.Config{Client: tt.client, Retry: retry.NoDelay(2)}),
				Submissions: store,
				EventBus:    eb,
				Gate:        gate,
				Concurrency: 2,
			})

			wctx, stop := context.WithCancel(ctx)
			done := make(chan struct{})
			go func() {
				defer close(done)
				assert.NoError(t, w.Run(wctx))
			}()

			require.Eventually(t, func() bool {
				got, err := store.GetSubmission(ctx, "m1", "a", "s1")
				return err == nil && got.Status == domain.SubmissionStatusDone
			}, 2*time.Second, 10*time.Millisecond)

			stop()
			<-done
			eb.Stop()

			got, err := store.GetSubmission(ctx, "m1", "a", "s1")
			require.NoError(t, err)
			require.NotNil(t, got.Result)
			assert.Equal(t, tt.wantPassed, got.Result.Passed)
			assert.Equal(t, tt.wantVerdict, got.Result.Verdict)

			n, err := gate.Count(ctx)
			require.NoError(t, err)
			assert.EqualValues(t, 0, n)

			mu.Lock()
			defer mu.Unlock()
			require.Len(t, judged, 1)
			assert.Equal(t, "s1", judged[0].SubmissionID)
		})
	}
}

func TestWorker_Handle_SubmissionGone(t *testing.T) {
	ctx := context.Background()
	rc := makeRedis(t)
	store := state.NewRedis(state.Config{Redis: rc, Prefix: "test"})
	gate := judge.NewGate(judge.GateConfig{Redis: rc, Prefix: "test"})
	require.NoError(t, gate.Add(ctx))

	eb := event.NewBus()
	published := false
	eb.Subscribe(domain.EventNameSubmissionJudged, func(context.Context, event.Event) error {
		published = true
		return nil
	})

	w := judge.NewWorker(judge.WorkerConfig{
		Judge:       judge.New(judge.Config{Client: newFakeClient(), Retry: retry.NoDelay(1)}),
		Submissions: store,
		EventBus:    eb,
		Gate:        gate,
	})

	body := []byte(`{"submission":{"submission_id":"s1","match_id":"settled","user_id":"a","question_id":"q1"},"test_cases":[{"input":"","expected_output":""}]}`)
	require.NoError(t, w.Handle(ctx, body), "a result for a settled match should be dropped, not redelivered")
	require.NoError(t, w.Handle(ctx, []byte("{")), "a malformed job should be dropped")

	eb.Stop()
	assert.False(t, published)

	n, err := gate.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestWorker_Handle_MalformedJob(t *testing.T) {
	ctx := context.Background()
	rc := makeRedis(t)
	gate := judge.NewGate(judge.GateConfig{Redis: rc, Prefix: "test"})
	require.NoError(t, gate.Add(ctx))
	require.NoError(t, gate.Add(ctx))

	w := judge.NewWorker(judge.WorkerConfig{
		Judge:       judge.New(judge.Config{Client: newFakeClient(), Retry: retry.NoDelay(1)}),
		Submissions: state.NewRedis(state.Config{Redis: rc, Prefix: "test"}),
		EventBus:    event.NewBus(),
		Gate:        gate,
	})

	require.NoError(t, w.Handle(ctx, []byte("not json")))

	n, err := gate.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "a dropped job should leave the in-flight count")
}
