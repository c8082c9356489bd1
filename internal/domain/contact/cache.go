package contact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	cacheKeyPrefix = "contact:"
	missMarker     = "-"
	defaultMissTTL = time.Minute
)

// CachedLookup is a redis read-through cache in front of another Lookup.
// Misses are cached briefly so an unknown patient does not hit the directory
// on every redelivery. Redis errors fall through to the directory.
type CachedLookup struct {
	next    Lookup
	rdb     *redis.Client
	ttl     time.Duration
	missTTL time.Duration
	logger  zerolog.Logger
}

func NewCachedLookup(next Lookup, rdb *redis.Client, ttl time.Duration, logger zerolog.Logger) *CachedLookup {
	missTTL := defaultMissTTL
	if ttl < missTTL {
		missTTL = ttl
	}
	return &CachedLookup{
		next:    next,
		rdb:     rdb,
		ttl:     ttl,
		missTTL: missTTL,
		logger:  logger.With().Str("component", "contact_cache").Logger(),
	}
}

func cacheKey(patientID int64) string {
	return fmt.Sprintf("%s%d", cacheKeyPrefix, patientID)
}

func (c *CachedLookup) Lookup(ctx context.Context, patientID int64) (*Contact, error) {
	key := cacheKey(patientID)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if string(raw) == missMarker {
			return nil, ErrNotFound
		}
		var ct Contact
		if err := sonic.Unmarshal(raw, &ct); err == nil {
			return &ct, nil
		}
		c.logger.Warn().Int64("patient_id", patientID).Msg("discarding undecodable cache entry")
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn().Err(err).Int64("patient_id", patientID).Msg("contact cache read failed")
	}

	ct, err := c.next.Lookup(ctx, patientID)
	if errors.Is(err, ErrNotFound) {
		c.store(ctx, key, missMarker, c.missTTL)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if b, err := sonic.Marshal(ct); err == nil {
		c.store(ctx, key, b, c.ttl)
	}
	return ct, nil
}

func (c *CachedLookup) store(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("contact cache write failed")
	}
}
