package dismod

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	goredis "github.com/redis/go-redis/v9"
	"log/slog"
	"sync"
	"time"
)

// MarkerKind identifies which gateway event a [DedupCache] marker
// suppresses
type MarkerKind string

const (
	// MarkerBanSuppression suppresses case creation for the GUILD_BAN_ADD
	// event caused by a ban the bot performed itself
	MarkerBanSuppression MarkerKind = "ban"

	// MarkerUnbanSuppression suppresses the mod-log notice for the
	// GUILD_BAN_REMOVE event caused by the bot's own unban
	MarkerUnbanSuppression MarkerKind = "unban"
)

// DedupCache holds short-lived markers written by the command path
// ahead of a ban/unban, so the event path can recognize the resulting
// gateway event as already handled.
//
// Markers aren't consumed by reads: every event for the same
// guild/user/kind within the TTL is suppressed. Implementations must
// be safe for concurrent use, and never fail; errors are logged and
// treated as a miss.
type DedupCache interface {
	// Mark stores kind for the guild/user, expiring after ttl. Any existing
	// marker for the guild/user is replaced.
	Mark(ctx context.Context, guildID, userID string, kind MarkerKind, ttl time.Duration)

	// IsMarked reports whether an unexpired marker of the given kind
	// exists for the guild/user
	IsMarked(ctx context.Context, guildID, userID string, kind MarkerKind) bool
}

type dedupKey struct {
	guildID string
	userID  string
}

type dedupMarker struct {
	kind      MarkerKind
	expiresAt time.Time
}

// MemoryDedupCache is an in-process [DedupCache]
type MemoryDedupCache struct {
	mu      sync.Mutex
	markers map[dedupKey]dedupMarker
	now     func() time.Time
	logger  *slog.Logger
}

func NewMemoryDedupCache(logger *slog.Logger) *MemoryDedupCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryDedupCache{
		markers: map[dedupKey]dedupMarker{},
		now:     time.Now,
		logger:  logger,
	}
}

func (m *MemoryDedupCache) Mark(
	ctx context.Context,
	guildID, userID string,
	kind MarkerKind,
	ttl time.Duration,
) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.prune(now)
	m.markers[dedupKey{guildID: guildID, userID: userID}] = dedupMarker{
		kind:      kind,
		expiresAt: now.Add(ttl),
	}
	m.logger.DebugContext(
		ctx,
		"marked",
		"guild_id", guildID,
		"user_id", userID,
		"kind", kind,
		"ttl", ttl,
	)
}

func (m *MemoryDedupCache) IsMarked(
	_ context.Context,
	guildID, userID string,
	kind MarkerKind,
) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	marker, ok := m.markers[dedupKey{guildID: guildID, userID: userID}]
	if !ok {
		return false
	}
	return marker.kind == kind && m.now().Before(marker.expiresAt)
}

// Len returns the number of stored markers, including expired ones
// not yet pruned
func (m *MemoryDedupCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.markers)
}

// prune drops expired markers. m.mu must be held.
func (m *MemoryDedupCache) prune(now time.Time) {
	for k, v := range m.markers {
		if !now.Before(v.expiresAt) {
			delete(m.markers, k)
		}
	}
}

// RedisDedupCache stores markers in redis, so they're visible to every
// instance connected to the same gateway shard set
type RedisDedupCache struct {
	client *goredis.Client
	prefix string
	logger *slog.Logger
}

func NewRedisDedupCache(
	client *goredis.Client,
	prefix string,
	logger *slog.Logger,
) *RedisDedupCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisDedupCache{client: client, prefix: prefix, logger: logger}
}

func (r *RedisDedupCache) key(guildID, userID string) string {
	return fmt.Sprintf("%s%s:%s", r.prefix, guildID, userID)
}

func (r *RedisDedupCache) Mark(
	ctx context.Context,
	guildID, userID string,
	kind MarkerKind,
	ttl time.Duration,
) {
	key := r.key(guildID, userID)
	if err := r.client.Set(ctx, key, string(kind), ttl).Err(); err != nil {
		r.logger.ErrorContext(
			ctx,
			"error setting marker",
			"key", key,
			"kind", kind,
			tint.Err(err),
		)
		return
	}
	r.logger.DebugContext(ctx, "marked", "key", key, "kind", kind, "ttl", ttl)
}

func (r *RedisDedupCache) IsMarked(
	ctx context.Context,
	guildID, userID string,
	kind MarkerKind,
) bool {
	key := r.key(guildID, userID)
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			r.logger.ErrorContext(ctx, "error getting marker", "key", key, tint.Err(err))
		}
		return false
	}
	return MarkerKind(val) == kind
}

func (r *RedisDedupCache) Close() error {
	return r.client.Close()
}

// newDedupCache builds the backend selected by cfg
func newDedupCache(
	ctx context.Context,
	cfg *DedupConfig,
	logger *slog.Logger,
) (DedupCache, error) {
	switch cfg.Backend {
	case DedupBackendMemory, "":
		return NewMemoryDedupCache(logger), nil
	case DedupBackendRedis:
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		if err = client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("error connecting to redis: %w", err)
		}
		return NewRedisDedupCache(client, cfg.KeyPrefix, logger), nil
	default:
		return nil, fmt.Errorf("unsupported dedup backend: %q", cfg.Backend)
	}
}
