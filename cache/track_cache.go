package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"AuraFM/db"
	"AuraFM/model"

	"github.com/redis/go-redis/v9"
)

// 曲目描述的热缓存：流媒体路径上每次请求都要查注册表，
// 用 Redis 顶在数据库前面，TTL 到期自动失效
const trackTTL = 12 * time.Hour

// GetTrackKey 生成曲目描述的Redis键
func GetTrackKey(id string) string {
	return fmt.Sprintf("track:%s", id)
}

// GetTrack 从缓存取曲目描述，未命中返回 (nil, nil)
func GetTrack(ctx context.Context, id string) (*model.Track, error) {
	if db.RedisClient == nil {
		return nil, nil
	}

	raw, err := db.RedisClient.Get(ctx, GetTrackKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cached track: %w", err)
	}

	var track model.Track
	if err := json.Unmarshal([]byte(raw), &track); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached track: %w", err)
	}
	return &track, nil
}

// SetTrack 写入曲目描述缓存
func SetTrack(ctx context.Context, track *model.Track) error {
	if db.RedisClient == nil {
		return nil
	}

	raw, err := json.Marshal(track)
	if err != nil {
		return fmt.Errorf("failed to marshal track: %w", err)
	}
	if err := db.RedisClient.Set(ctx, GetTrackKey(track.ID), raw, trackTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache track: %w", err)
	}
	return nil
}

// DeleteTrack 删除曲目描述缓存
func DeleteTrack(ctx context.Context, id string) error {
	if db.RedisClient == nil {
		return nil
	}
	return db.RedisClient.Del(ctx, GetTrackKey(id)).Err()
}
