package notify

import (
	"context"
	"os"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "taskqueue:wake:"

// Redis publishes wake hints over Redis pub/sub. Delivery is fire-and-forget:
// subscribers that are mid-claim simply coalesce the hint into their next poll.
type Redis struct {
	client *redis.Client
}

var _ Notifier = (*Redis)(nil)

// NewRedis connects to REDIS_ADDR (default localhost:6379) and verifies the
// connection with a ping.
func NewRedis(ctx context.Context) (*Redis, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Redis{client: client}, nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Wake(ctx context.Context, queueName string) error {
	return r.client.Publish(ctx, channelPrefix+queueName, "1").Err()
}

func (r *Redis) Listen(ctx context.Context, queueName string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	sub := r.client.Subscribe(ctx, channelPrefix+queueName)
	go func() {
		defer close(ch)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default: // a pending hint already covers this wakeup
				}
			}
		}
	}()
	return ch
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
