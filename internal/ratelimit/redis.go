package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis so several instances share budgets.
// Each (key, rule window) pair is a hash whose fields are "<bucket>:<dim>"
// counters; the whole check-and-consume runs inside one Lua script.
type RedisStore struct {
	rc     redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client. Keys are namespaced under prefix.
func NewRedisStore(rc redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "rl:"
	}
	return &RedisStore{rc: rc, prefix: prefix}
}

// luaWindowSum sums the live buckets of one window hash.
const luaWindowSum = `
local function window_sum(key, now, win, bucket, prune)
  local idx = math.floor(now / bucket)
  local nb = math.ceil(win / bucket)
  local oldest = idx - nb + 1
  local c, r, s, first = 0, 0, 0, nil
  local fields = redis.call('HGETALL', key)
  for j = 1, #fields, 2 do
    local b, dim = string.match(fields[j], '^(%-?%d+):(%a)$')
    b = tonumber(b)
    if b ~= nil then
      if b < oldest then
        if prune then redis.call('HDEL', key, fields[j]) end
      else
        local v = tonumber(fields[j + 1])
        if dim == 'c' then c = c + v elseif dim == 'r' then r = r + v else s = s + v end
        if first == nil or b < first then first = b end
      end
    end
  end
  local reset = (idx + 1) * bucket
  if first ~= nil then reset = (first + nb) * bucket end
  return idx, c, r, s, reset
end
`

// luaCheckAndConsume returns {allowed, reason, limit, current, resetAtMs}.
// ARGV: now, count, recipients, size, consume, then per rule window,
// bucket, maxCount, maxRecipients, maxMessageSize, maxTotalSize.
var luaCheckAndConsume = redis.NewScript(luaWindowSum + `
local now = tonumber(ARGV[1])
local ic, ir, is = tonumber(ARGV[2]), tonumber(ARGV[3]), tonumber(ARGV[4])
local consume = ARGV[5] == '1'
local idxs = {}
local firstReset = 0
for i = 1, #KEYS do
  local base = 5 + (i - 1) * 6
  local win, bucket = tonumber(ARGV[base + 1]), tonumber(ARGV[base + 2])
  local maxc, maxr = tonumber(ARGV[base + 3]), tonumber(ARGV[base + 4])
  local maxm, maxt = tonumber(ARGV[base + 5]), tonumber(ARGV[base + 6])
  local idx, c, r, s, reset = window_sum(KEYS[i], now, win, bucket, consume)
  if i == 1 then firstReset = reset end
  if maxc > 0 and c + ic > maxc then return {0, 'COUNT_EXCEEDED', maxc, c, reset} end
  if maxr > 0 and r + ir > maxr then return {0, 'RECIPIENTS_EXCEEDED', maxr, r, reset} end
  if maxm > 0 and is > maxm then return {0, 'MESSAGE_SIZE_EXCEEDED', maxm, is, reset} end
  if maxt > 0 and s + is > maxt then return {0, 'TOTAL_SIZE_EXCEEDED', maxt, s, reset} end
  idxs[i] = {idx, win, bucket}
end
if consume then
  local charged = {}
  for i = 1, #KEYS do
    if not charged[KEYS[i]] then
      charged[KEYS[i]] = true
      local idx = idxs[i][1]
      redis.call('HINCRBY', KEYS[i], idx .. ':c', ic)
      redis.call('HINCRBY', KEYS[i], idx .. ':r', ir)
      redis.call('HINCRBY', KEYS[i], idx .. ':s', is)
      redis.call('PEXPIRE', KEYS[i], idxs[i][2] + idxs[i][3])
    end
  end
end
return {1, '', 0, 0, firstReset}
`)

// luaUsage returns {count, recipients, size, resetAtMs} per rule.
var luaUsage = redis.NewScript(luaWindowSum + `
local now = tonumber(ARGV[1])
local out = {}
for i = 1, #KEYS do
  local win, bucket = tonumber(ARGV[1 + (i - 1) * 2 + 1]), tonumber(ARGV[1 + (i - 1) * 2 + 2])
  local _, c, r, s, reset = window_sum(KEYS[i], now, win, bucket, false)
  out[i] = {c, r, s, reset}
end
return out
`)

func (s *RedisStore) windowKey(key string, rule Rule) string {
	return fmt.Sprintf("%s{%s}:%d:%d", s.prefix, key, rule.Window.Milliseconds(), rule.bucketSize().Milliseconds())
}

// CheckAndConsume implements Store.
func (s *RedisStore) CheckAndConsume(ctx context.Context, key string, rules []Rule, inc Increment, now time.Time) (Decision, error) {
	return s.run(ctx, key, rules, inc, now, true)
}

// Check implements Store.
func (s *RedisStore) Check(ctx context.Context, key string, rules []Rule, inc Increment, now time.Time) (Decision, error) {
	return s.run(ctx, key, rules, inc, now, false)
}

func (s *RedisStore) run(ctx context.Context, key string, rules []Rule, inc Increment, now time.Time, consume bool) (Decision, error) {
	keys := make([]string, 0, len(rules))
	args := []any{now.UnixMilli(), inc.Count, inc.Recipients, inc.Size, boolArg(consume)}
	for _, r := range rules {
		keys = append(keys, s.windowKey(key, r))
		args = append(args,
			r.Window.Milliseconds(), r.bucketSize().Milliseconds(),
			r.MaxCount, r.MaxRecipients, r.MaxMessageSize, r.MaxTotalSize,
		)
	}

	res, err := luaCheckAndConsume.Run(ctx, s.rc, keys, args...).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis rate limit script: %w", err)
	}
	if len(res) != 5 {
		return Decision{}, fmt.Errorf("redis rate limit script: unexpected reply of length %d", len(res))
	}

	reason, _ := res[1].(string)
	return Decision{
		Allowed: toInt64(res[0]) == 1,
		Reason:  Reason(reason),
		Limit:   toInt64(res[2]),
		Current: toInt64(res[3]),
		ResetAt: time.UnixMilli(toInt64(res[4])),
	}, nil
}

// Usage implements Store.
func (s *RedisStore) Usage(ctx context.Context, key string, rules []Rule, now time.Time) ([]Usage, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(rules))
	args := []any{now.UnixMilli()}
	for _, r := range rules {
		keys = append(keys, s.windowKey(key, r))
		args = append(args, r.Window.Milliseconds(), r.bucketSize().Milliseconds())
	}

	res, err := luaUsage.Run(ctx, s.rc, keys, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("redis rate limit usage script: %w", err)
	}

	out := make([]Usage, 0, len(rules))
	for i, r := range rules {
		row, ok := res[i].([]any)
		if !ok || len(row) != 4 {
			return nil, fmt.Errorf("redis rate limit usage script: malformed row %d", i)
		}
		out = append(out, Usage{
			Rule:       r,
			Count:      toInt64(row[0]),
			Recipients: toInt64(row[1]),
			TotalSize:  toInt64(row[2]),
			ResetAt:    time.UnixMilli(toInt64(row[3])),
		})
	}
	return out, nil
}

// Reset implements Store. It removes every window hash of key.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	pattern := s.prefix + "{" + key + "}:*"
	iter := s.rc.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan rate limit keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.rc.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete rate limit keys: %w", err)
	}
	return nil
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}
