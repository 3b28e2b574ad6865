package state

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Redis  redis.UniversalClient
	Prefix string
}

// Redis implements MatchmakingStore, ActiveMatchStore and SubmissionStore.
type Redis struct {
	redis redis.UniversalClient
	keys  keys
}

var (
	_ MatchmakingStore = (*Redis)(nil)
	_ ActiveMatchStore = (*Redis)(nil)
	_ SubmissionStore  = (*Redis)(nil)
)

func NewRedis(c Config) *Redis {
	return &Redis{
		redis: c.Redis,
		keys:  keys{prefix: c.Prefix},
	}
}

// keys wraps the prefix in a hash tag so that every key lives in the same cluster slot,
// which multi-key scripts require.
type keys struct {
	prefix string
}

func (k keys) queueList() string { return fmt.Sprintf("{%s}:queue:list", k.prefix) }

func (k keys) queueSet() string { return fmt.Sprintf("{%s}:queue:set", k.prefix) }

func (k keys) match(matchID string) string { return fmt.Sprintf("{%s}:match:%s", k.prefix, matchID) }

func (k keys) userMatch(userID string) string {
	return fmt.Sprintf("{%s}:user:%s:match", k.prefix, userID)
}

func (k keys) submissions(matchID, userID string) string {
	if matchID == "" {
		return fmt.Sprintf("{%s}:practice:%s:subs", k.prefix, userID)
	}
	return fmt.Sprintf("{%s}:match:%s:subs:%s", k.prefix, matchID, userID)
}

func (k keys) expiry() string { return fmt.Sprintf("{%s}:expiry", k.prefix) }
