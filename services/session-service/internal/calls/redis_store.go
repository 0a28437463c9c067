package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/md-rashed-zaman/telehealth/libs/apperr"
)

// RedisStore shares call state between instances. Transitions run as a Lua
// script, which Redis executes atomically.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttls   RedisTTLs
}

// RedisTTLs bound how long each state survives if nobody drives it forward.
type RedisTTLs struct {
	Requested   time.Duration
	Established time.Duration
	Ended       time.Duration
}

// transitionScript returns {code, json}: 0 missing, 1 wrong state, 2 applied.
var transitionScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return {0, ""}
end
local c = cjson.decode(raw)
if c.state ~= ARGV[1] then
  return {1, raw}
end
c.state = ARGV[2]
if ARGV[3] ~= "" then
  c.reason = ARGV[3]
end
c.updatedAt = ARGV[4]
local out = cjson.encode(c)
redis.call("SET", KEYS[1], out, "PX", ARGV[5])
return {2, out}
`)

func NewRedisStore(rdb *redis.Client, prefix string, ttls RedisTTLs) *RedisStore {
	if prefix == "" {
		prefix = "call:"
	}
	if ttls.Requested <= 0 {
		ttls.Requested = 5 * time.Minute
	}
	if ttls.Established <= 0 {
		ttls.Established = 12 * time.Hour
	}
	if ttls.Ended <= 0 {
		ttls.Ended = time.Minute
	}
	return &RedisStore{rdb: rdb, prefix: prefix, ttls: ttls}
}

func (s *RedisStore) Create(ctx context.Context, c Call) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return apperr.Internal(err)
	}
	ok, err := s.rdb.SetNX(ctx, s.prefix+c.ID, raw, s.ttls.Requested).Result()
	if err != nil {
		return apperr.Internal(err)
	}
	if !ok {
		return apperr.Conflict("call id already in use")
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Call, error) {
	raw, err := s.rdb.Get(ctx, s.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Call{}, apperr.NotFound("call not found")
	}
	if err != nil {
		return Call{}, apperr.Internal(err)
	}
	return decodeCall(raw)
}

func (s *RedisStore) Transition(ctx context.Context, id string, from, to State, reason EndReason, at time.Time) (Call, error) {
	ttl := s.ttls.Established
	if to == StateEnded {
		ttl = s.ttls.Ended
	}
	res, err := transitionScript.Run(ctx, s.rdb, []string{s.prefix + id},
		string(from), string(to), string(reason), at.UTC().Format(time.RFC3339Nano), ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return Call{}, apperr.Internal(err)
	}
	if len(res) != 2 {
		return Call{}, apperr.Internal(fmt.Errorf("unexpected transition reply %v", res))
	}
	code, _ := res[0].(int64)
	raw, _ := res[1].(string)
	switch code {
	case 0:
		return Call{}, apperr.NotFound("call not found")
	case 1:
		c, err := decodeCall([]byte(raw))
		if err != nil {
			return Call{}, err
		}
		return c, apperr.InvalidTransition("call is " + string(c.State))
	default:
		return decodeCall([]byte(raw))
	}
}

func decodeCall(raw []byte) (Call, error) {
	var c Call
	if err := json.Unmarshal(raw, &c); err != nil {
		return Call{}, apperr.Internal(err)
	}
	return c, nil
}
