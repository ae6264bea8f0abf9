package circuit

import redisclient "github.com/mrmushfiq/llm0-smart-gateway/internal/shared/redis"

// stateScript reads the state, applying the lazy open -> half_open transition
// once the recovery timeout has elapsed since the last failure. Forced-open
// circuits never transition on their own.
//
// KEYS[1] circuit hash
// ARGV[1] now (ms), ARGV[2] recovery timeout (ms)
//
// Returns {state, transitioned(0|1)}
var stateScript = redisclient.NewScript(`
local h = redis.call('HMGET', KEYS[1], 'state', 'last_failure', 'forced')
local state = h[1] or 'closed'
if state == 'open' and h[3] ~= '1' then
	local lastFailure = tonumber(h[2] or '0')
	if tonumber(ARGV[1]) - lastFailure >= tonumber(ARGV[2]) then
		redis.call('HSET', KEYS[1], 'state', 'half_open')
		return {'half_open', 1}
	end
end
return {state, 0}
`)

// failureScript counts a failure inside the rolling window.
// half_open re-opens on a single failure; closed opens at the threshold.
//
// KEYS[1] circuit hash, KEYS[2] probe key
// ARGV[1] now (ms), ARGV[2] threshold, ARGV[3] window (ms), ARGV[4] recovery (ms)
//
// Returns {state, tripped(0|1), failures}
var failureScript = redisclient.NewScript(`
local now = tonumber(ARGV[1])
local h = redis.call('HMGET', KEYS[1], 'state', 'last_failure', 'forced', 'failures', 'window_start')
local state = h[1] or 'closed'
local failures = tonumber(h[4] or '0')

if state == 'open' and h[3] ~= '1' and now - tonumber(h[2] or '0') >= tonumber(ARGV[4]) then
	state = 'half_open'
end

if state == 'half_open' then
	redis.call('HSET', KEYS[1], 'state', 'open', 'last_failure', ARGV[1], 'failures', failures + 1)
	redis.call('DEL', KEYS[2])
	return {'open', 1, failures + 1}
end

if state == 'open' then
	redis.call('HSET', KEYS[1], 'last_failure', ARGV[1], 'failures', failures + 1)
	return {'open', 0, failures + 1}
end

local windowStart = h[5] or '0'
if now - tonumber(windowStart) > tonumber(ARGV[3]) then
	failures = 0
	windowStart = ARGV[1]
end
failures = failures + 1

if failures >= tonumber(ARGV[2]) then
	redis.call('HSET', KEYS[1], 'state', 'open', 'failures', failures, 'window_start', windowStart, 'last_failure', ARGV[1])
	return {'open', 1, failures}
end
redis.call('HSET', KEYS[1], 'state', 'closed', 'failures', failures, 'window_start', windowStart, 'last_failure', ARGV[1])
return {'closed', 0, failures}
`)

// successScript resets the failure counter and closes the circuit,
// unless an operator forced it open.
//
// KEYS[1] circuit hash, KEYS[2] probe key
// ARGV[1] now (ms)
//
// Returns {state, previous_state}
var successScript = redisclient.NewScript(`
local h = redis.call('HMGET', KEYS[1], 'state', 'forced')
local prev = h[1] or 'closed'
if h[2] == '1' then
	redis.call('HSET', KEYS[1], 'last_success', ARGV[1])
	return {prev, prev}
end
redis.call('HSET', KEYS[1], 'state', 'closed', 'failures', 0, 'window_start', ARGV[1], 'last_success', ARGV[1])
redis.call('DEL', KEYS[2])
return {'closed', prev}
`)

// releaseProbeScript frees the half-open probe slot without a verdict.
// Outside half_open there is no slot to free.
//
// KEYS[1] circuit hash, KEYS[2] probe key
//
// Returns 1 when a slot was freed
var releaseProbeScript = redisclient.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'half_open' then
	return 0
end
return redis.call('DEL', KEYS[2])
`)
