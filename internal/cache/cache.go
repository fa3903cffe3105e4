// Package cache keeps campaign rows in Redis between settlements.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iurnickita/groupbuy/internal/cache/config"
	"github.com/iurnickita/groupbuy/internal/model"
)

const keyPrefix = "groupbuy:campaign:"

// setNewer stores the row unless the cached one carries a later version.
var setNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'v')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

type CampaignCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	zaplog *zap.Logger
}

// NewClient connects to Redis; an empty address returns nil, nil.
func NewClient(cfg config.Config) (*redis.Client, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func NewCampaignCache(rdb *redis.Client, ttl time.Duration, zaplog *zap.Logger) *CampaignCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CampaignCache{rdb: rdb, ttl: ttl, zaplog: zaplog}
}

func (c *CampaignCache) Get(ctx context.Context, campaignID string) (model.Campaign, bool) {
	raw, err := c.rdb.HGet(ctx, keyPrefix+campaignID, "data").Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.zaplog.Warn("campaign cache read failed", zap.String("campaign_id", campaignID), zap.Error(err))
		}
		return model.Campaign{}, false
	}

	var campaign model.Campaign
	if err := json.Unmarshal(raw, &campaign); err != nil {
		c.zaplog.Warn("campaign cache entry corrupt", zap.String("campaign_id", campaignID), zap.Error(err))
		return model.Campaign{}, false
	}
	return campaign, true
}

// Set writes the row versioned by its update time; an older row never replaces a newer one.
func (c *CampaignCache) Set(ctx context.Context, campaign model.Campaign) {
	raw, err := json.Marshal(campaign)
	if err != nil {
		return
	}
	// микросекунды точно представимы числом Lua
	version := campaign.UpdatedAt.UnixMicro()
	err = setNewer.Run(ctx, c.rdb, []string{keyPrefix + campaign.ID}, version, raw, c.ttl.Milliseconds()).Err()
	if err != nil {
		c.zaplog.Warn("campaign cache write failed", zap.String("campaign_id", campaign.ID), zap.Error(err))
	}
}

func (c *CampaignCache) Invalidate(ctx context.Context, campaignID string) {
	if err := c.rdb.Del(ctx, keyPrefix+campaignID).Err(); err != nil {
		c.zaplog.Warn("campaign cache invalidation failed", zap.String("campaign_id", campaignID), zap.Error(err))
	}
}
