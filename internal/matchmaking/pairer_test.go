package matchmaking_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/matchmaking"
	"github.com/victornm/codeduel/internal/state"
)

func TestPairer_PairOnce(t *testing.T) {
	type outputs struct {
		again   bool
		err     error
		store   *state.Redis
		starter *fakeStarter
	}

	tests := map[string]struct {
		arrange      func(t *testing.T, store *state.Redis)
		notLeader    bool
		questionsErr error
		assert       func(t *testing.T, out outputs)
	}{
		"two queued users should be paired": {
			arrange: enqueue("a", "b"),
			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				assert.True(t, out.again)
				require.Len(t, out.starter.started, 1)
				assert.Equal(t, []string{"a", "b"}, out.starter.started[0].Participants)

				for _, u := range []string{"a", "b"} {
					id, err := out.store.UserMatch(context.Background(), u)
					require.NoError(t, err)
					assert.Equal(t, out.starter.started[0].MatchID, id)
				}
				assertSize(t, out.store, 0)
			},
		},

		"a single user should stay queued": {
			arrange: enqueue("a"),
			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				assert.False(t, out.again)
				assert.Empty(t, out.starter.started)
				assertQueued(t, out.store, "a")
			},
		},

		"empty pool should back off": {
			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				assert.False(t, out.again)
			},
		},

		"an instance without the lock should not pair": {
			arrange:   enqueue("a", "b"),
			notLeader: true,
			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				assert.False(t, out.again)
				assert.Empty(t, out.starter.started)
				assertSize(t, out.store, 2)
			},
		},

		"no questions should return both users in their order": {
			arrange:      enqueue("a", "b", "c"),
			questionsErr: stderrors.New("catalog empty"),
			assert: func(t *testing.T, out outputs) {
				assert.ErrorIs(t, out.err, matchmaking.ErrNoQuestions)
				assert.False(t, out.again)
				assert.Empty(t, out.starter.started)

				ctx := context.Background()
				for _, want := range []string{"a", "b", "c"} {
					got, ok, err := out.store.Pop(ctx)
					require.NoError(t, err)
					require.True(t, ok)
					assert.Equal(t, want, got)
				}
			},
		},

		"a user already in a match should not be paired again": {
			arrange: func(t *testing.T, store *state.Redis) {
				enqueue("a", "b")(t, store)
				createMatch(t, store, "m0", "a", "x")
			},
			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				assert.True(t, out.again)
				assert.Empty(t, out.starter.started)
				assertQueued(t, out.store, "b")
				assertSize(t, out.store, 1)
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			store := makeStore(t)
			if tt.arrange != nil {
				tt.arrange(t, store)
			}

			starter := &fakeStarter{store: store}
			p := matchmaking.NewPairer(matchmaking.PairerConfig{
				Queue:     store,
				Matches:   store,
				Questions: fakeQuestions{err: tt.questionsErr},
				Starter:   starter,
				Lock:      fakeLock{leader: !tt.notLeader},
			})

			again, err := p.PairOnce(context.Background())

			tt.assert(t, outputs{again: again, err: err, store: store, starter: starter})
		})
	}
}

func TestPairer_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := makeStore(t)
	enqueue("a", "b", "c", "d", "e")(t, store)

	starter := &fakeStarter{store: store}
	p := matchmaking.NewPairer(matchmaking.PairerConfig{
		Queue:     store,
		Matches:   store,
		Questions: fakeQuestions{},
		Starter:   starter,
		Lock:      fakeLock{leader: true},
		Backoff:   10 * time.Millisecond,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	assert.Eventually(t, func() bool { return starter.count() == 2 }, time.Second, 10*time.Millisecond)

	cancel()
	<-done

	assertQueued(t, store, "e")
}

func TestPairer_Concurrent(t *testing.T) {
	ctx := context.Background()
	store, rc := makeStoreWithClient(t)

	users := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		users = append(users, fmt.Sprintf("u%02d", i))
	}
	enqueue(users...)(t, store)

	// Users still in a previous match whose queue entries slipped in before the cleanup.
	createMatch(t, store, "old1", "s1", "s2")
	createMatch(t, store, "old2", "s3", "s4")
	for _, u := range []string{"s1", "s2", "s3", "s4"} {
		require.NoError(t, rc.SAdd(ctx, "{test}:queue:set", u).Err())
		require.NoError(t, rc.LPush(ctx, "{test}:queue:list", u).Err())
	}

	starter := &fakeStarter{store: store}
	newPairer := func() *matchmaking.Pairer {
		// Every pairer believes it holds the lock, so they all race on the pool.
		return matchmaking.NewPairer(matchmaking.PairerConfig{
			Queue:     store,
			Matches:   store,
			Questions: fakeQuestions{},
			Starter:   starter,
			Lock:      fakeLock{leader: true},
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(p *matchmaking.Pairer) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := p.PairOnce(ctx)
				assert.NoError(t, err)
			}
		}(newPairer())
	}
	wg.Wait()

	// Pair whatever the race left behind.
	p := newPairer()
	for i := 0; i < 100; i++ {
		again, err := p.PairOnce(ctx)
		require.NoError(t, err)
		if !again {
			break
		}
	}

	seen := make(map[string]string)
	for _, m := range starter.started {
		for _, u := range m.Participants {
			prev, dup := seen[u]
			assert.False(t, dup, "%s paired in both %s and %s", u, prev, m.MatchID)
			seen[u] = m.MatchID

			id, err := store.UserMatch(ctx, u)
			require.NoError(t, err)
			assert.Equal(t, m.MatchID, id, "pointer of %s should be its only match", u)
		}
	}

	for _, u := range []string{"s1", "s2", "s3", "s4"} {
		assert.NotContains(t, seen, u, "a user with an active match should never be paired again")
	}
	assert.Len(t, seen, len(users), "every queued user should be paired exactly once")
	assertSize(t, store, 0)
}

func enqueue(users ...string) func(t *testing.T, store *state.Redis) {
	return func(t *testing.T, store *state.Redis) {
		for _, u := range users {
			_, err := store.Enqueue(context.Background(), u)
			require.NoError(t, err)
		}
	}
}

func createMatch(t *testing.T, store *state.Redis, id, a, b string) {
	now := time.Now()
	require.NoError(t, store.Create(context.Background(), domain.Match{
		MatchID:      id,
		Participants: []string{a, b},
		StartedAt:    now,
		Duration:     time.Minute,
		ExpiresAt:    now.Add(time.Minute),
	}, time.Minute))
}

func assertSize(t *testing.T, store *state.Redis, want int64) {
	t.Helper()

	n, err := store.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, n)
}

func assertQueued(t *testing.T, store *state.Redis, userID string) {
	t.Helper()

	ok, err := store.Contains(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, ok, "%s should be queued", userID)
}

func makeStore(t *testing.T) *state.Redis {
	store, _ := makeStoreWithClient(t)
	return store
}

func makeStoreWithClient(t *testing.T) (*state.Redis, redis.UniversalClient) {
	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{rs.Addr()}})

	return state.NewRedis(state.Config{Redis: rc, Prefix: "test"}), rc
}

type fakeLock struct {
	leader bool
}

func (l fakeLock) Acquire(context.Context) (bool, error) { return l.leader, nil }

func (fakeLock) Release(context.Context) error { return nil }

type fakeQuestions struct {
	err error
}

func (q fakeQuestions) RandomQuestions(_ context.Context, n int) ([]domain.Question, error) {
	if q.err != nil {
		return nil, q.err
	}

	qs := make([]domain.Question, 0, n)
	for i := 0; i < n; i++ {
		qs = append(qs, domain.Question{QuestionID: fmt.Sprintf("q%d", i+1)})
	}
	return qs, nil
}

type fakeStarter struct {
	mu      sync.Mutex
	seq     atomic.Int64
	store   *state.Redis
	started []domain.Match
}

func (s *fakeStarter) StartMatch(ctx context.Context, a, b string, _ []domain.Question) (*domain.Match, error) {
	now := time.Now()
	m := domain.Match{
		MatchID:      fmt.Sprintf("m%d", s.seq.Add(1)),
		Participants: []string{a, b},
		StartedAt:    now,
		Duration:     time.Minute,
		ExpiresAt:    now.Add(time.Minute),
	}
	if err := s.store.Create(ctx, m, time.Minute); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.started = append(s.started, m)
	s.mu.Unlock()

	return &m, nil
}

func (s *fakeStarter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.started)
}
