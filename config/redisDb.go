package config

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)

// GetRedisLock returns the cross-instance lock client.
// It is nil when Redis is not configured; callers must degrade to
// database advisory locks in that case.
func GetRedisLock() *redislock.Client {
	return locker
}

// ConnectRedisWithRetry connects the Redis client used for serial-bucket
// locking. Redis is optional: without REDIS_ADDRESS the ledger falls back
// to MySQL advisory locks only.
func ConnectRedisWithRetry() {
	address := os.Getenv("REDIS_ADDRESS")
	if address == "" {
		log.Println("REDIS_ADDRESS not set; redis lock client disabled")
		return
	}

	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       0,
	})

	var attempt int
	for {
		attempt++
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err == nil {
			rdb = client
			locker = redislock.New(rdb)
			log.Printf("connected to redis (attempt=%d)", attempt)
			return
		}
		if attempt >= 30 {
			log.Printf("giving up on redis after %d attempts: %v; redis lock client disabled", attempt, err)
			return
		}
		log.Printf("failed to connect redis (attempt=%d): %v; retrying", attempt, err)
		time.Sleep(2 * time.Second)
	}
}
