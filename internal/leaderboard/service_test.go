package leaderboard_test

import (
	"context"
	stderrors "errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/errors"
	"github.com/victornm/codeduel/internal/event"
	"github.com/victornm/codeduel/internal/leaderboard"
)

func TestService_GetLeaderboard(t *testing.T) {
	type outputs struct {
		resp *domain.Leaderboard
		err  error
		repo *fakeRepository
	}

	tests := map[string]struct {
		limit   int
		topErr  error
		arrange func(t *testing.T, s *leaderboard.Service, repo *fakeRepository)
		assert  func(t *testing.T, out outputs)
	}{
		"should warm the cache and return the top entries by rating": {
			limit: 2,
			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				require.Len(t, out.resp.Entries, 2)
				assert.Equal(t, "u3", out.resp.Entries[0].UserID)
				assert.Equal(t, 1300, out.resp.Entries[0].Rating)
				assert.Equal(t, "u1", out.resp.Entries[1].UserID)
				assert.Equal(t, 1, out.repo.topCalls())
			},
		},

		"should be served from the cache once warm": {
			limit: 3,
			arrange: func(t *testing.T, s *leaderboard.Service, _ *fakeRepository) {
				_, err := s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{Limit: 1})
				require.NoError(t, err)
			},
			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				assert.Len(t, out.resp.Entries, 3)
				assert.Equal(t, 1, out.repo.topCalls(), "second read should not reach the store")
			},
		},

		"store failure should be returned after the fallback read": {
			limit:  2,
			topErr: stderrors.New("connection refused"),
			assert: func(t *testing.T, out outputs) {
				require.Error(t, out.err)
				assert.Equal(t, 2, out.repo.topCalls(), "warm and fallback should both read the store")
			},
		},

		"limit over 100 should be rejected": {
			limit: 101,
			assert: func(t *testing.T, out outputs) {
				assert.True(t, errors.Is(out.err, errors.CodeInvalidArgument))
			},
		},

		"zero limit should be rejected": {
			limit: 0,
			assert: func(t *testing.T, out outputs) {
				assert.True(t, errors.Is(out.err, errors.CodeInvalidArgument))
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			repo := newFakeRepository(
				domain.LeaderboardEntry{UserID: "u1", Rating: 1216, Wins: 1, TotalMatches: 1, WinStreak: 1, BestStreak: 1},
				domain.LeaderboardEntry{UserID: "u2", Rating: 1184, Losses: 1, TotalMatches: 1},
				domain.LeaderboardEntry{UserID: "u3", Rating: 1300, Wins: 5, TotalMatches: 5, WinStreak: 5, BestStreak: 5},
			)
			repo.topErr = tt.topErr

			s := makeService(t, withRepository(repo))
			if tt.arrange != nil {
				tt.arrange(t, s, repo)
			}

			resp, err := s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{Limit: tt.limit})

			tt.assert(t, outputs{resp: resp, err: err, repo: repo})
		})
	}
}

func TestService_UpdateLeaderboard(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepository(
		domain.LeaderboardEntry{UserID: "u1", Rating: 1200},
		domain.LeaderboardEntry{UserID: "u2", Rating: 1250},
	)
	s := makeService(t, withRepository(repo))

	resp, err := s.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{Limit: 10})
	require.NoError(t, err)
	require.Equal(t, "u2", resp.Entries[0].UserID)

	// u1 beats u2, the store already holds the new ratings.
	repo.put(domain.LeaderboardEntry{UserID: "u1", Rating: 1218, Wins: 1, TotalMatches: 1, WinStreak: 1, BestStreak: 1})
	repo.put(domain.LeaderboardEntry{UserID: "u2", Rating: 1232, Losses: 1, TotalMatches: 1})
	repo.put(domain.LeaderboardEntry{UserID: "u9", Rating: 1500})

	err = s.UpdateLeaderboard(ctx, finished("u1", "u2"))
	require.NoError(t, err)

	resp, err = s.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{Limit: 10})
	require.NoError(t, err)

	want := []domain.LeaderboardEntry{
		{UserID: "u2", Rating: 1232, Losses: 1, TotalMatches: 1},
		{UserID: "u1", Rating: 1218, Wins: 1, TotalMatches: 1, WinStreak: 1, BestStreak: 1},
	}
	assert.Equal(t, want, resp.Entries, "only the participants of the match should be refreshed")
}

func TestService_PublishLeaderboardUpdated(t *testing.T) {
	type (
		inputs struct {
			receivedEvents []domain.EventMatchFinished
			wait           time.Duration
		}

		outputs struct {
			publishedEvents []domain.EventLeaderboardUpdated
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"should publish leaderboard_update after a match finished": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventMatchFinished{finished("u1", "u2")},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
				entries := out.publishedEvents[0].Leaderboard.Entries
				require.Len(t, entries, 2)
				assert.Equal(t, "u1", entries[0].UserID)
			},
		},

		"should publish 1 event for matches finished within the publish interval": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventMatchFinished{
						finished("u1", "u2"),
						finished("u3", "u4"),
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
			},
		},

		"should publish again once the interval has passed": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventMatchFinished{
						finished("u1", "u2"),
						finished("u3", "u4"),
					},
					wait: time.Second,
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 2, "should receive 2 leaderboard updated events")
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			in, out := tt.arrange(), outputs{}

			eb := event.NewBus()

			var mu sync.Mutex
			eb.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
				mu.Lock()
				out.publishedEvents = append(out.publishedEvents, e.(domain.EventLeaderboardUpdated))
				mu.Unlock()
				return nil
			})

			rs := miniredis.RunT(t)
			repo := newFakeRepository(
				domain.LeaderboardEntry{UserID: "u1", Rating: 1216},
				domain.LeaderboardEntry{UserID: "u2", Rating: 1184},
				domain.LeaderboardEntry{UserID: "u3", Rating: 1180},
				domain.LeaderboardEntry{UserID: "u4", Rating: 1170},
			)
			s := makeService(t,
				withEventBus(eb),
				withRepository(repo),
				withMiniredis(rs),
				withPublishSize(2),
			)

			for _, e := range in.receivedEvents {
				err := s.UpdateLeaderboard(context.Background(), e)
				require.NoError(t, err)
				if in.wait > 0 {
					rs.FastForward(in.wait)
				}
			}

			eb.Stop()

			tt.assert(t, out)
		})
	}
}

func TestService_Recompute(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepository(domain.LeaderboardEntry{UserID: "u1", Rating: 1300})
	s := makeService(t, withRepository(repo))

	resp, err := s.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{Limit: 10})
	require.NoError(t, err)
	require.Len(t, resp.Entries, 1)

	repo.recomputed = []domain.LeaderboardEntry{
		{UserID: "u1", Rating: 1216},
		{UserID: "u2", Rating: 1184},
	}

	n, err := s.Recompute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	resp, err = s.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{Limit: 10})
	require.NoError(t, err)
	require.Len(t, resp.Entries, 2)
	assert.Equal(t, 1216, resp.Entries[0].Rating)
	assert.Equal(t, 1184, resp.Entries[1].Rating)
}

func finished(winner, loser string) domain.EventMatchFinished {
	return domain.EventMatchFinished{
		Match: domain.FinishedMatch{
			MatchID:  winner + "-" + loser,
			WinnerID: winner,
			Reason:   domain.SettleReasonFinish,
			EndedAt:  time.Now(),
			Participants: []domain.Participant{
				{UserID: winner},
				{UserID: loser},
			},
		},
	}
}

type fakeRepository struct {
	mu         sync.Mutex
	entries    map[string]domain.LeaderboardEntry
	recomputed []domain.LeaderboardEntry
	topErr     error
	tops       int
}

func newFakeRepository(entries ...domain.LeaderboardEntry) *fakeRepository {
	r := &fakeRepository{entries: make(map[string]domain.LeaderboardEntry)}
	for _, e := range entries {
		r.entries[e.UserID] = e
	}
	return r
}

func (r *fakeRepository) put(e domain.LeaderboardEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.UserID] = e
}

func (r *fakeRepository) topCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tops
}

func (r *fakeRepository) Top(_ context.Context, n int) ([]domain.LeaderboardEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tops++
	if r.topErr != nil {
		return nil, r.topErr
	}

	all := make([]domain.LeaderboardEntry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	slices.SortFunc(all, func(a, b domain.LeaderboardEntry) int {
		if a.Rating != b.Rating {
			return b.Rating - a.Rating
		}
		return strings.Compare(a.UserID, b.UserID)
	})

	return all[:min(n, len(all))], nil
}

func (r *fakeRepository) Entries(_ context.Context, userIDs []string) ([]domain.LeaderboardEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.LeaderboardEntry
	for _, u := range userIDs {
		if e, ok := r.entries[u]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *fakeRepository) Recompute(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make(map[string]domain.LeaderboardEntry)
	for _, e := range r.recomputed {
		r.entries[e.UserID] = e
	}
	return len(r.recomputed), nil
}

func makeService(t *testing.T, opts ...options) *leaderboard.Service {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c := leaderboard.Config{
		EventBus:   event.NewBus(),
		Repository: newFakeRepository(),
		Prefix:     "test",
	}

	for _, opt := range opts {
		opt(&c)
	}

	if c.Redis == nil {
		rs := miniredis.RunT(t)
		c.Redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{rs.Addr()},
		})
	}
	require.NoError(t, c.Redis.Ping(ctx).Err(), "should be able to ping redis")

	return leaderboard.NewService(c)
}

type options func(c *leaderboard.Config)

func withEventBus(eb *event.Bus) options {
	return func(c *leaderboard.Config) {
		c.EventBus = eb
	}
}

func withRepository(r leaderboard.Repository) options {
	return func(c *leaderboard.Config) {
		c.Repository = r
	}
}

func withMiniredis(rs *miniredis.Miniredis) options {
	return func(c *leaderboard.Config) {
		c.Redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{rs.Addr()},
		})
	}
}

func withPublishSize(n int) options {
	return func(c *leaderboard.Config) {
		c.PublishSize = n
	}
}
