package adapter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aelexs/wacrm/internal/accounts/app"
	"github.com/aelexs/wacrm/internal/domain"
	"github.com/aelexs/wacrm/internal/otp"
	redisclient "github.com/aelexs/wacrm/internal/redis"
)

var _ app.VerificationStore = (*RedisVerificationStore)(nil)

// Hash fields of a verification record.
const (
	fieldIdentity    = "identity"
	fieldPurpose     = "purpose"
	fieldCodeMAC     = "code_mac"
	fieldDestination = "destination"
	fieldIssuedAt    = "issued_at"
	fieldExpiresAt   = "expires_at"
	fieldAttempts    = "attempts_remaining"
)

// liveRecord is the Lua prelude shared by both scripts: it loads the record
// and returns it only while it is live at ARGV[2] (unix ms) with attempts
// left.
const liveRecord = `
local function live()
  local f = redis.call('HMGET', KEYS[1], 'code_mac', 'expires_at', 'attempts_remaining')
  if not f[1] then
    return nil
  end
  local exp = tonumber(f[2])
  local left = tonumber(f[3])
  if not exp or exp <= tonumber(ARGV[2]) or not left or left <= 0 then
    return nil
  end
  return f[1], left
end
`

// consumeScript deletes the live record only if the MAC matches ARGV[1].
// Returns 1 when it deleted.
var consumeScript = redisclient.NewScript(liveRecord + `
local mac = live()
if not mac or mac ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// checkScript compares ARGV[1] with the live record's MAC. A mismatch spends
// one attempt and deletes the record at zero. Returns {matched, remaining},
// or -1 when there is no live record.
var checkScript = redisclient.NewScript(liveRecord + `
local mac, left = live()
if not mac then
  return -1
end
if mac == ARGV[1] then
  return {1, left}
end
local n = redis.call('HINCRBY', KEYS[1], 'attempts_remaining', -1)
if n <= 0 then
  redis.call('DEL', KEYS[1])
  return {0, 0}
end
return {0, n}
`)

// RedisVerificationStore keeps each record in a hash that Redis expires at
// the record's expiry. Multi-step operations run as Lua scripts so they are
// atomic per key.
type RedisVerificationStore struct {
	cmd redisclient.Cmdable
}

// NewRedisVerificationStore creates a RedisVerificationStore.
func NewRedisVerificationStore(cmd redisclient.Cmdable) *RedisVerificationStore {
	return &RedisVerificationStore{cmd: cmd}
}

func redisRecordKey(key string, purpose domain.Purpose) string {
	return "otp:rec:" + string(purpose) + ":" + key
}

func (s *RedisVerificationStore) Put(ctx context.Context, rec otp.Record) error {
	ctx, span := startRedisSpan(ctx, "redis.otp.put", "MULTI")
	defer span.End()

	k := redisRecordKey(rec.Key, rec.Purpose)
	_, err := s.cmd.TxPipelined(ctx, func(pipe redisclient.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.HSet(ctx, k,
			fieldIdentity, rec.Identity,
			fieldPurpose, string(rec.Purpose),
			fieldCodeMAC, rec.CodeMAC,
			fieldDestination, rec.Destination,
			fieldIssuedAt, rec.IssuedAt.UnixMilli(),
			fieldExpiresAt, rec.ExpiresAt.UnixMilli(),
			fieldAttempts, rec.AttemptsRemaining,
		)
		pipe.PExpireAt(ctx, k, rec.ExpiresAt)
		return nil
	})
	if err != nil {
		return redisFailure(span, "redis otp store: put", err)
	}
	return nil
}

func (s *RedisVerificationStore) Get(ctx context.Context, key string, purpose domain.Purpose) (*otp.Record, error) {
	ctx, span := startRedisSpan(ctx, "redis.otp.get", "HGETALL")
	defer span.End()

	fields, err := s.cmd.HGetAll(ctx, redisRecordKey(key, purpose)).Result()
	if err != nil {
		return nil, redisFailure(span, "redis otp store: get", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("redis otp store: get: %w", domain.ErrNotFound)
	}

	rec, err := recordFromHash(key, fields)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("redis otp store: decode: %w", err)
	}
	return rec, nil
}

func (s *RedisVerificationStore) Delete(ctx context.Context, key string, purpose domain.Purpose) error {
	ctx, span := startRedisSpan(ctx, "redis.otp.delete", "DEL")
	defer span.End()

	if err := s.cmd.Del(ctx, redisRecordKey(key, purpose)).Err(); err != nil {
		return redisFailure(span, "redis otp store: delete", err)
	}
	return nil
}

func (s *RedisVerificationStore) ConsumeIfMatch(ctx context.Context, key string, purpose domain.Purpose, mac string, now time.Time) (bool, error) {
	ctx, span := startRedisSpan(ctx, "redis.otp.consume", "EVALSHA")
	defer span.End()

	n, err := consumeScript.Run(ctx, s.cmd, []string{redisRecordKey(key, purpose)}, mac, now.UnixMilli()).Int64()
	if err != nil {
		return false, redisFailure(span, "redis otp store: consume", err)
	}
	return n == 1, nil
}

func (s *RedisVerificationStore) CheckCode(ctx context.Context, key string, purpose domain.Purpose, mac string, now time.Time) (otp.CheckResult, error) {
	ctx, span := startRedisSpan(ctx, "redis.otp.check_code", "EVALSHA")
	defer span.End()

	res, err := checkScript.Run(ctx, s.cmd, []string{redisRecordKey(key, purpose)}, mac, now.UnixMilli()).Result()
	if err != nil {
		return otp.CheckResult{}, redisFailure(span, "redis otp store: check code", err)
	}

	pair, ok := res.([]any)
	if !ok {
		return otp.CheckResult{}, fmt.Errorf("redis otp store: check code: %w", domain.ErrNotFound)
	}
	if len(pair) != 2 {
		return otp.CheckResult{}, fmt.Errorf("redis otp store: check code: unexpected reply %v", res)
	}
	matched, _ := pair[0].(int64)
	remaining, _ := pair[1].(int64)
	return otp.CheckResult{Matched: matched == 1, AttemptsRemaining: int(remaining)}, nil
}

func recordFromHash(key string, f map[string]string) (*otp.Record, error) {
	issued, err := strconv.ParseInt(f[fieldIssuedAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("issued_at: %w", err)
	}
	expires, err := strconv.ParseInt(f[fieldExpiresAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("expires_at: %w", err)
	}
	attempts, err := strconv.Atoi(f[fieldAttempts])
	if err != nil {
		return nil, fmt.Errorf("attempts_remaining: %w", err)
	}
	return &otp.Record{
		Key:               key,
		Identity:          f[fieldIdentity],
		Purpose:           domain.Purpose(f[fieldPurpose]),
		CodeMAC:           f[fieldCodeMAC],
		Destination:       f[fieldDestination],
		IssuedAt:          time.UnixMilli(issued).UTC(),
		ExpiresAt:         time.UnixMilli(expires).UTC(),
		AttemptsRemaining: attempts,
	}, nil
}

// redisFailure records err on span and marks it as a transport failure.
func redisFailure(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return errors.Join(fmt.Errorf("%s: %w", op, err), domain.ErrUnavailable)
}

func startRedisSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", op),
	)
	return ctx, span
}
