package leaderboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/errors"
	"github.com/victornm/codeduel/internal/event"
)

const (
	defaultPublishInterval = 200 * time.Millisecond
	defaultSize            = 1000
	defaultPublishSize     = 10
	maxLimit               = 100
)

// Repository is the durable source of the leaderboard.
type Repository interface {
	Top(ctx context.Context, n int) ([]domain.LeaderboardEntry, error)
	Entries(ctx context.Context, userIDs []string) ([]domain.LeaderboardEntry, error)
	Recompute(ctx context.Context) (int, error)
}

type Config struct {
	EventBus   *event.Bus
	Repository Repository
	Redis      redis.UniversalClient
	Prefix     string
	// Size is the number of top entries loaded into the cache.
	Size int
	// PublishSize is the number of top entries carried by a leaderboard_update notification.
	PublishSize     int
	PublishInterval time.Duration
}

type Service struct {
	eb              *event.Bus
	repo            Repository
	redis           redis.UniversalClient
	prefix          string
	size            int
	publishSize     int
	publishInterval time.Duration
}

func NewService(c Config) *Service {
	s := &Service{
		eb:              c.EventBus,
		repo:            c.Repository,
		redis:           c.Redis,
		prefix:          c.Prefix,
		size:            c.Size,
		publishSize:     c.PublishSize,
		publishInterval: c.PublishInterval,
	}

	if s.size <= 0 {
		s.size = defaultSize
	}
	if s.publishSize <= 0 {
		s.publishSize = defaultPublishSize
	}
	if s.publishInterval <= 0 {
		s.publishInterval = defaultPublishInterval
	}

	s.eb.Subscribe(domain.EventNameMatchFinished, func(ctx context.Context, e event.Event) error {
		return s.UpdateLeaderboard(ctx, e.(domain.EventMatchFinished))
	})

	return s
}

type GetLeaderboardRequest struct {
	Limit int
}

// GetLeaderboard returns the top users by rating. It is served from the cache, which is loaded from the
// durable store on first use.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	if req.Limit <= 0 || req.Limit > maxLimit {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("limit must be between 1 and %d", maxLimit))
	}

	warm, err := s.redis.Exists(ctx, s.getWarmKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("check leaderboard cache: %w", err)
	}

	if warm == 0 {
		if err := s.warm(ctx); err != nil {
			slog.WarnContext(ctx, "leaderboard: warm cache failed, reading from store", "error", err)
			entries, err := s.repo.Top(ctx, req.Limit)
			if err != nil {
				return nil, fmt.Errorf("get leaderboard: %w", err)
			}
			return &domain.Leaderboard{Entries: entries}, nil
		}
	}

	return s.getCached(ctx, req.Limit)
}

func (s *Service) getCached(ctx context.Context, limit int) (*domain.Leaderboard, error) {
	users, err := s.redis.ZRevRange(ctx, s.getLeaderboardKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(users) == 0 {
		return &domain.Leaderboard{Entries: []domain.LeaderboardEntry{}}, nil
	}

	vals, err := s.redis.HMGet(ctx, s.getEntriesKey(), users...).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard entries: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("get leaderboard entries: missing entry for %s", users[i])
		}

		var e domain.LeaderboardEntry
		if err := json.Unmarshal([]byte(str), &e); err != nil {
			return nil, fmt.Errorf("get leaderboard entries: unmarshal %s: %w", users[i], err)
		}
		entries = append(entries, e)
	}

	return &domain.Leaderboard{Entries: entries}, nil
}

// warm loads the top entries from the durable store into the cache.
func (s *Service) warm(ctx context.Context) error {
	entries, err := s.repo.Top(ctx, s.size)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.getLeaderboardKey(), s.getEntriesKey())
		if err := s.cache(ctx, p, entries); err != nil {
			return err
		}
		p.Set(ctx, s.getWarmKey(), time.Now().UnixMilli(), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("warm leaderboard cache: %w", err)
	}

	return nil
}

func (s *Service) cache(ctx context.Context, p redis.Pipeliner, entries []domain.LeaderboardEntry) error {
	for _, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry %s: %w", e.UserID, err)
		}

		p.ZAdd(ctx, s.getLeaderboardKey(), redis.Z{Score: float64(e.Rating), Member: e.UserID})
		p.HSet(ctx, s.getEntriesKey(), e.UserID, b)
	}

	return nil
}

// UpdateLeaderboard refreshes the cached entries of both participants after a match is recorded.
func (s *Service) UpdateLeaderboard(ctx context.Context, e domain.EventMatchFinished) error {
	users := make([]string, 0, len(e.Match.Participants))
	for _, p := range e.Match.Participants {
		users = append(users, p.UserID)
	}

	entries, err := s.repo.Entries(ctx, users)
	if err != nil {
		return fmt.Errorf("get entries: %w", err)
	}

	warm, err := s.redis.Exists(ctx, s.getWarmKey()).Result()
	if err != nil {
		return fmt.Errorf("check leaderboard cache: %w", err)
	}

	// A cold cache is loaded in full on the next read.
	if warm == 1 {
		_, err = s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
			return s.cache(ctx, p, entries)
		})
		if err != nil {
			return fmt.Errorf("update leaderboard: %w", err)
		}
	}

	return s.schedulePublishLeaderboard(ctx, e.Match.EndedAt)
}

// schedulePublishLeaderboard publishes the leaderboard changes at most once per interval.
// Many matches may finish in a short time, this reduces the number of published events.
func (s *Service) schedulePublishLeaderboard(ctx context.Context, at time.Time) error {
	// This is a simple way to prevent multiple instances of the service from publishing the leaderboard.
	// But it's not perfect and can be improved.
	ok, err := s.redis.SetNX(ctx, s.getLeaderboardTimeKey(), at.UnixMilli(), s.publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	return s.publishLeaderboard(ctx)
}

func (s *Service) publishLeaderboard(ctx context.Context) error {
	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{
		Limit: s.publishSize,
	})
	if err != nil {
		return fmt.Errorf("get leaderboard failed: %w", err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: *l,
	})

	return nil
}

// Recompute rebuilds every entry from the match history and reloads the cache. It returns the number
// of entries written.
func (s *Service) Recompute(ctx context.Context) (int, error) {
	n, err := s.repo.Recompute(ctx)
	if err != nil {
		return 0, fmt.Errorf("recompute leaderboard: %w", err)
	}

	if err := s.warm(ctx); err != nil {
		slog.WarnContext(ctx, "leaderboard: reload cache after recompute failed", "error", err)
		if err := s.redis.Del(ctx, s.getWarmKey()).Err(); err != nil {
			return n, fmt.Errorf("invalidate leaderboard cache: %w", err)
		}
	}

	slog.InfoContext(ctx, "leaderboard: recomputed", "entries", n)
	return n, nil
}

func (s *Service) getLeaderboardKey() string {
	return fmt.Sprintf("{%s}:leaderboard", s.prefix)
}

func (s *Service) getEntriesKey() string {
	return fmt.Sprintf("{%s}:leaderboard:entries", s.prefix)
}

func (s *Service) getWarmKey() string {
	return fmt.Sprintf("{%s}:leaderboard:warm", s.prefix)
}

func (s *Service) getLeaderboardTimeKey() string {
	return fmt.Sprintf("{%s}:leaderboard:time", s.prefix)
}
