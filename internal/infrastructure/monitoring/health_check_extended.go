package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRoomCountCheck reports unhealthy once the relay hosts more than max rooms.
// Counting rooms never blocks, so the check has no timeout.
func (h *HealthChecker) AddRoomCountCheck(rooms func() int, max int, interval time.Duration) {
	h.AddCheck("rooms", func(context.Context) (bool, error) {
		if n := rooms(); max > 0 && n > max {
			return false, fmt.Errorf("%d rooms exceeds max %d", n, max)
		}
		return true, nil
	}, interval, 0)
}
