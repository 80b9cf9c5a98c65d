package store

import (
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript admits a request into a sorted-set window.
// KEYS[1] = window key
// ARGV[1] = window in ms, ARGV[2] = limit, ARGV[3] = now in ms, ARGV[4] = request id
// Returns: admitted (0 or 1), remaining, oldest score in ms.
// A request id already in the window is reported as admitted again without
// being counted twice.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local window = tonumber(ARGV[1])
	local limit = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local member = ARGV[4]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

	local admitted = 0
	local count = redis.call('ZCARD', key)
	if redis.call('ZSCORE', key, member) then
		admitted = 1
	elseif count < limit then
		redis.call('ZADD', key, now, member)
		count = count + 1
		admitted = 1
	end

	redis.call('PEXPIRE', key, window + 1000)

	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local oldest_score = now
	if #oldest > 0 then
		oldest_score = tonumber(oldest[2])
	end

	local remaining = limit - count
	if remaining < 0 then
		remaining = 0
	end

	return {admitted, remaining, oldest_score}
`)

// tokenBucketScript takes tokens from a hash-backed bucket.
// KEYS[1] = bucket key
// ARGV[1] = capacity, ARGV[2] = refill rate per second, ARGV[3] = tokens needed,
// ARGV[4] = now in ms, ARGV[5] = request id
// Returns: admitted (0 or 1), tokens remaining in thousandths, retry-at in ms
// (0 when admitted). A missing bucket starts full. The outcome of the last
// request id is stored so that a replay returns it without spending again.
var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local capacity = tonumber(ARGV[1])
	local rate = tonumber(ARGV[2])
	local needed = tonumber(ARGV[3])
	local now = tonumber(ARGV[4])
	local request_id = ARGV[5]

	local state = redis.call('HMGET', key, 'tokens', 'last_refill', 'last_request', 'last_admitted', 'last_retry_at')
	local tokens = tonumber(state[1])
	local last_refill = tonumber(state[2])

	if request_id ~= '' and state[3] == request_id and tokens then
		return {tonumber(state[4]), math.floor(tokens * 1000), tonumber(state[5])}
	end

	if tokens == nil or last_refill == nil then
		tokens = capacity
		last_refill = now
	end

	local elapsed = math.max(0, now - last_refill) / 1000
	tokens = math.min(capacity, math.max(0, tokens + elapsed * rate))
	if now > last_refill then
		last_refill = now
	end

	local admitted = 0
	local retry_at = 0
	if tokens >= needed then
		tokens = tokens - needed
		admitted = 1
	else
		retry_at = now + math.ceil((needed - tokens) / rate * 1000)
	end

	redis.call('HSET', key,
		'tokens', tostring(tokens),
		'last_refill', tostring(last_refill),
		'last_request', request_id,
		'last_admitted', admitted,
		'last_retry_at', retry_at)
	redis.call('PEXPIRE', key, math.ceil(capacity / rate * 1000) + 1000)

	return {admitted, math.floor(tokens * 1000), retry_at}
`)
