// Package registry backs the mutable target-state registry with redis. Key
// shapes match what the protected edge enforces: the WAF denies requests
// from IPs with an active blocked_ip entry, challenges require_captcha IPs,
// and throttles rate_limit_strict IPs to the stored ceiling.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentinelsoc/soar/internal/response"
)

const (
	blockPrefix     = "blocked_ip:"
	captchaPrefix   = "require_captcha:"
	rateLimitPrefix = "rate_limit_strict:"

	statsTotalKey      = "stats:total_requests"
	statsBlockedKey    = "stats:blocked_requests"
	statsSuspiciousKey = "stats:suspicious_requests"
	statsTopIPsKey     = "stats:top_ips"
	statsMethodsKey    = "stats:methods"
	statsOwaspKey      = "stats:owasp_types"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

type Registry struct {
	client *redis.Client
}

func New(cfg Config) (*Registry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Registry{client: client}, nil
}

func (r *Registry) Close() error {
	return r.client.Close()
}

func keyFor(kind response.TargetState, ip string) string {
	switch kind {
	case response.StateBlock:
		return blockPrefix + ip
	case response.StateRateLimit:
		return rateLimitPrefix + ip
	default:
		return captchaPrefix + ip
	}
}

func (r *Registry) Expiry(ctx context.Context, kind response.TargetState, ip string) (*time.Time, error) {
	d, err := r.client.PExpireTime(ctx, keyFor(kind, ip)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading expiry: %w", err)
	}
	if d < 0 {
		// -2 key missing, -1 key without TTL; neither is an active entry.
		return nil, nil
	}
	t := time.UnixMilli(int64(d / time.Millisecond))
	return &t, nil
}

func (r *Registry) Set(ctx context.Context, kind response.TargetState, ip, value string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("expiry %s is in the past", expiresAt.Format(time.RFC3339))
	}
	if err := r.client.Set(ctx, keyFor(kind, ip), value, ttl).Err(); err != nil {
		return fmt.Errorf("setting %s entry: %w", kind, err)
	}
	return nil
}

func (r *Registry) Remove(ctx context.Context, kind response.TargetState, ip string) error {
	if err := r.client.Del(ctx, keyFor(kind, ip)).Err(); err != nil {
		return fmt.Errorf("removing %s entry: %w", kind, err)
	}
	return nil
}

func (r *Registry) ActiveBlocks(ctx context.Context) ([]response.BlockedTarget, error) {
	var targets []response.BlockedTarget
	now := time.Now()

	iter := r.client.Scan(ctx, 0, blockPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ip := strings.TrimPrefix(key, blockPrefix)

		reason, err := r.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("reading block entry: %w", err)
		}

		ttl, err := r.client.TTL(ctx, key).Result()
		if err != nil || ttl <= 0 {
			continue
		}

		targets = append(targets, response.BlockedTarget{
			IP:        ip,
			Reason:    reason,
			ExpiresAt: now.Add(ttl),
			Remaining: ttl,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning blocklist: %w", err)
	}

	sort.Slice(targets, func(i, j int) bool { return targets[i].Remaining < targets[j].Remaining })
	return targets, nil
}

// RecordRequest bumps the realtime counters for one ingested request.
func (r *Registry) RecordRequest(ctx context.Context, clientIP, method string, blocked, suspicious bool, owaspTypes []string) error {
	pipe := r.client.Pipeline()
	pipe.Incr(ctx, statsTotalKey)
	if blocked {
		pipe.Incr(ctx, statsBlockedKey)
	}
	if suspicious {
		pipe.Incr(ctx, statsSuspiciousKey)
	}
	pipe.ZIncrBy(ctx, statsTopIPsKey, 1, clientIP)
	pipe.HIncrBy(ctx, statsMethodsKey, method, 1)
	for _, t := range owaspTypes {
		pipe.ZIncrBy(ctx, statsOwaspKey, 1, t)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording request stats: %w", err)
	}
	return nil
}

// RealtimeStats is the live counter snapshot served to the dashboard.
type RealtimeStats struct {
	TotalRequests      int64            `json:"total_requests"`
	BlockedRequests    int64            `json:"blocked_requests"`
	SuspiciousRequests int64            `json:"suspicious_requests"`
	TopIPs             map[string]int64 `json:"top_ips"`
	Methods            map[string]int64 `json:"methods"`
	OwaspTypes         map[string]int64 `json:"owasp_types"`
}

func (r *Registry) Stats(ctx context.Context) (*RealtimeStats, error) {
	stats := &RealtimeStats{
		TopIPs:     make(map[string]int64),
		Methods:    make(map[string]int64),
		OwaspTypes: make(map[string]int64),
	}

	stats.TotalRequests, _ = r.client.Get(ctx, statsTotalKey).Int64()
	stats.BlockedRequests, _ = r.client.Get(ctx, statsBlockedKey).Int64()
	stats.SuspiciousRequests, _ = r.client.Get(ctx, statsSuspiciousKey).Int64()

	top, err := r.client.ZRevRangeWithScores(ctx, statsTopIPsKey, 0, 9).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("reading top ips: %w", err)
	}
	for _, z := range top {
		if ip, ok := z.Member.(string); ok {
			stats.TopIPs[ip] = int64(z.Score)
		}
	}

	methods, err := r.client.HGetAll(ctx, statsMethodsKey).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("reading method stats: %w", err)
	}
	for m, v := range methods {
		var n int64
		fmt.Sscanf(v, "%d", &n)
		stats.Methods[m] = n
	}

	owasp, err := r.client.ZRevRangeWithScores(ctx, statsOwaspKey, 0, 9).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("reading owasp stats: %w", err)
	}
	for _, z := range owasp {
		if t, ok := z.Member.(string); ok {
			stats.OwaspTypes[t] = int64(z.Score)
		}
	}

	return stats, nil
}
