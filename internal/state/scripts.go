package state

import "github.com/redis/go-redis/v9"

var (
	// KEYS: user pointer, queue set, queue list. ARGV: user.
	enqueueScript = redis.NewScript(`
local m = redis.call('GET', KEYS[1])
if m then
	return {'already_in_match', m}
end
if redis.call('SADD', KEYS[2], ARGV[1]) == 0 then
	return {'already_queued', ''}
end
redis.call('LPUSH', KEYS[3], ARGV[1])
return {'queued', ''}
`)

	// KEYS: queue list, queue set.
	popScript = redis.NewScript(`
local u = redis.call('RPOP', KEYS[1])
if not u then
	return false
end
redis.call('SREM', KEYS[2], u)
return u
`)

	// KEYS: user pointer, queue set, queue list. ARGV: user.
	requeueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
if redis.call('SADD', KEYS[2], ARGV[1]) == 0 then
	return 0
end
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)

	// KEYS: match, pointer a, pointer b, expiry. ARGV: match id, data, ttl ms, expires at ms.
	createMatchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 or redis.call('EXISTS', KEYS[3]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'status', 'RUNNING', 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[3])
redis.call('SET', KEYS[3], ARGV[1], 'PX', ARGV[3])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
return 1
`)

	// KEYS: match. ARGV: token, now ms, lease ms.
	claimScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'status')
if not s then
	return -1
end
local taken = 0
if s == 'FINISHING' then
	local at = tonumber(redis.call('HGET', KEYS[1], 'claimed_at') or '0')
	if at + tonumber(ARGV[3]) > tonumber(ARGV[2]) then
		return 0
	end
	taken = 1
elseif s ~= 'RUNNING' then
	return 0
end
redis.call('HSET', KEYS[1], 'status', 'FINISHING', 'claim', ARGV[1], 'claimed_at', ARGV[2])
return 1 + taken
`)

	// KEYS: match. ARGV: token.
	releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') == 'FINISHING' and redis.call('HGET', KEYS[1], 'claim') == ARGV[1] then
	redis.call('HSET', KEYS[1], 'status', 'RUNNING')
	redis.call('HDEL', KEYS[1], 'claim', 'claimed_at')
	return 1
end
return 0
`)

	// KEYS: match, pointer a, pointer b, subs a, subs b, expiry. ARGV: match id.
	deleteMatchScript = redis.NewScript(`
redis.call('DEL', KEYS[1], KEYS[4], KEYS[5])
for i = 2, 3 do
	if redis.call('GET', KEYS[i]) == ARGV[1] then
		redis.call('DEL', KEYS[i])
	end
end
redis.call('ZREM', KEYS[6], ARGV[1])
return 1
`)

	// KEYS: match, subs. ARGV: submission id, data, ttl ms.
	addMatchSubmissionScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'RUNNING' then
	return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return 1
`)

	// KEYS: subs. ARGV: submission id, data.
	completeSubmissionScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)
)
