package queue

import "github.com/redis/go-redis/v9"

// claimScript atomically pops the best waiting job and records it in the
// active hash with an initial heartbeat. Returns nil when the queue is
// paused or empty.
//
// KEYS[1] = waiting ZSET
// KEYS[2] = active HASH
// KEYS[3] = pause key
// ARGV[1] = now (unix ms)
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  return false
end
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return false
end
local id = popped[1]
redis.call('HSET', KEYS[2], id, ARGV[1])
return id
`)

// promoteScript moves due delayed jobs into the waiting set, restoring the
// waiting score precomputed at enqueue time so promoted jobs keep their
// priority ordering.
//
// KEYS[1] = delayed ZSET
// KEYS[2] = waiting ZSET
// KEYS[3] = scores HASH
// ARGV[1] = now (unix ms)
// ARGV[2] = batch limit
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for i = 1, #due do
  local id = due[i]
  local score = redis.call('HGET', KEYS[3], id)
  if score then
    redis.call('ZADD', KEYS[2], tonumber(score), id)
    redis.call('HDEL', KEYS[3], id)
  else
    redis.call('ZADD', KEYS[2], 0, id)
  end
  redis.call('ZREM', KEYS[1], id)
end
return #due
`)

// releaseScript removes a job from the active hash, returning 1 only if the
// job was still owned there. A 0 means the job was reclaimed as stalled and
// the caller must discard its result.
//
// KEYS[1] = active HASH
// ARGV[1] = job ID
var releaseScript = redis.NewScript(`
return redis.call('HDEL', KEYS[1], ARGV[1])
`)

// heartbeatScript refreshes a job's heartbeat only while the job is still
// active; it never resurrects a reclaimed job.
//
// KEYS[1] = active HASH
// ARGV[1] = job ID
// ARGV[2] = now (unix ms)
var heartbeatScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// reclaimScript collects active jobs whose heartbeat is older than the
// cutoff and removes them from the active hash in one step so no two
// scanners reclaim the same job.
//
// KEYS[1] = active HASH
// ARGV[1] = heartbeat cutoff (unix ms)
var reclaimScript = redis.NewScript(`
local entries = redis.call('HGETALL', KEYS[1])
local stalled = {}
for i = 1, #entries, 2 do
  local hb = tonumber(entries[i + 1])
  if hb ~= nil and hb < tonumber(ARGV[1]) then
    redis.call('HDEL', KEYS[1], entries[i])
    stalled[#stalled + 1] = entries[i]
  end
end
return stalled
`)

// removeWaitingScript removes a job from the waiting or delayed set,
// returning which set it was found in (1 waiting, 2 delayed, 0 neither).
//
// KEYS[1] = waiting ZSET
// KEYS[2] = delayed ZSET
// KEYS[3] = scores HASH
// ARGV[1] = job ID
var removeWaitingScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('HDEL', KEYS[3], ARGV[1])
  return 1
end
if redis.call('ZREM', KEYS[2], ARGV[1]) == 1 then
  redis.call('HDEL', KEYS[3], ARGV[1])
  return 2
end
return 0
`)
