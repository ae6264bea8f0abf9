package ratelimit

import redisclient "github.com/mrmushfiq/llm0-smart-gateway/internal/shared/redis"

// reserveScript increments both windows unconditionally, then compares.
// Over the limit, both increments are undone before returning.
//
// KEYS[1] minute counter, KEYS[2] daily counter
// ARGV[1] minute limit (<=0 = unlimited), ARGV[2] daily limit (<=0 = unlimited)
// ARGV[3] minute window seconds, ARGV[4] daily key expiry (unix seconds)
//
// Returns {allowed(0|1), reason, minute_count, daily_count}
var reserveScript = redisclient.NewScript(`
local m = redis.call('INCR', KEYS[1])
if redis.call('TTL', KEYS[1]) < 0 then
	redis.call('EXPIRE', KEYS[1], ARGV[3])
end
local d = redis.call('INCR', KEYS[2])
if redis.call('TTL', KEYS[2]) < 0 then
	redis.call('EXPIREAT', KEYS[2], ARGV[4])
end

local minuteLimit = tonumber(ARGV[1])
local dailyLimit = tonumber(ARGV[2])

if minuteLimit > 0 and m > minuteLimit then
	redis.call('DECR', KEYS[1])
	redis.call('DECR', KEYS[2])
	return {0, 'minute', m - 1, d - 1}
end
if dailyLimit > 0 and d > dailyLimit then
	redis.call('DECR', KEYS[1])
	redis.call('DECR', KEYS[2])
	return {0, 'daily', m - 1, d - 1}
end
return {1, 'ok', m, d}
`)

// releaseScript decrements each counter that is still positive.
// An expired window is never driven negative.
//
// KEYS: counters to release
var releaseScript = redisclient.NewScript(`
for _, k in ipairs(KEYS) do
	local v = tonumber(redis.call('GET', k) or '0')
	if v > 0 then
		redis.call('DECR', k)
	end
end
return 1
`)
