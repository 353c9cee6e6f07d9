// Package presence mirrors room membership into Redis so occupancy can be read
// across server instances. Each room is a sorted set of handles scored by the
// time their presence expires; a handle counts until its score passes.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

// DefaultTTL is how long a handle stays present without being refreshed.
const DefaultTTL = 10 * time.Minute

// Presence implements core.Presence on Redis sorted sets.
type Presence struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

// Options configure the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	// Prefix namespaces keys, e.g. per deployment.
	Prefix string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*Presence, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return NewWithClient(rdb, opts.TTL, opts.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client, ttl time.Duration, prefix string) *Presence {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "breedchat"
	}
	return &Presence{rdb: rdb, ttl: ttl, prefix: prefix, now: time.Now}
}

func (p *Presence) membersKey(room string) string {
	return fmt.Sprintf("%s:rooms:%s:members", p.prefix, room)
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// expiredRange bounds the scores of handles whose presence lapsed at or before now.
func expiredRange(now time.Time) (from, to string) {
	return "-inf", strconv.FormatInt(now.UnixMilli(), 10)
}

// liveRange bounds the scores of handles still present after now.
func liveRange(now time.Time) (from, to string) {
	return "(" + strconv.FormatInt(now.UnixMilli(), 10), "+inf"
}

// Joined marks the handle present in room for one TTL.
func (p *Presence) Joined(ctx context.Context, room, handleID string) error {
	if err := p.announce(ctx, room, []string{handleID}); err != nil {
		return fmt.Errorf("presence join %s: %w", room, err)
	}
	return nil
}

// Refresh extends the presence of handles still joined to room and drops
// handles whose presence lapsed, such as those of a crashed instance.
func (p *Presence) Refresh(ctx context.Context, room string, handleIDs []string) error {
	if len(handleIDs) == 0 {
		return nil
	}
	if err := p.announce(ctx, room, handleIDs); err != nil {
		return fmt.Errorf("presence refresh %s: %w", room, err)
	}
	return nil
}

func (p *Presence) announce(ctx context.Context, room string, handleIDs []string) error {
	key := p.membersKey(room)
	now := p.now()
	until := score(now.Add(p.ttl))
	members := lo.Map(handleIDs, func(id string, _ int) redis.Z { return redis.Z{Score: until, Member: id} })
	from, to := expiredRange(now)

	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, from, to)
		pipe.ZAdd(ctx, key, members...)
		pipe.Expire(ctx, key, p.ttl)
		return nil
	})
	return err
}

// Left removes the handle from the room.
func (p *Presence) Left(ctx context.Context, room, handleID string) error {
	if err := p.rdb.ZRem(ctx, p.membersKey(room), handleID).Err(); err != nil {
		return fmt.Errorf("presence leave %s: %w", room, err)
	}
	return nil
}

// Occupancy returns the number of handles in the room whose presence has not
// lapsed, counting every instance that shares the key prefix.
func (p *Presence) Occupancy(ctx context.Context, room string) (int, error) {
	from, to := liveRange(p.now())
	n, err := p.rdb.ZCount(ctx, p.membersKey(room), from, to).Result()
	if err != nil {
		return 0, fmt.Errorf("presence occupancy %s: %w", room, err)
	}
	return int(n), nil
}

// Close closes the Redis client.
func (p *Presence) Close() error {
	return p.rdb.Close()
}
