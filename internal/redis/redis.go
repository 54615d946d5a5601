package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// unlockScript deletes the key only while it still holds our token, so a holder whose lock
// expired cannot release a lock another process has since taken.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Client struct {
	RedisClient *redis.Client

	mu     sync.Mutex
	tokens map[string]string
}

func NewClient(dsn string) (*Client, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}

	return &Client{
		RedisClient: redis.NewClient(opts),
		tokens:      map[string]string{},
	}, nil
}

func (c *Client) Lock(ctx context.Context, lockKey string, lockTimeDuration time.Duration) (result bool, err error) {
	token := uuid.NewString()
	result, err = c.RedisClient.SetNX(ctx, lockKey, token, lockTimeDuration).Result()
	if err != nil {
		return false, err
	}

	if result {
		c.mu.Lock()
		c.tokens[lockKey] = token
		c.mu.Unlock()
	}

	return result, nil
}

func (c *Client) Unlock(ctx context.Context, lockKey string) (err error) {
	c.mu.Lock()
	token, ok := c.tokens[lockKey]
	delete(c.tokens, lockKey)
	c.mu.Unlock()

	if !ok {
		return nil
	}

	err = unlockScript.Run(ctx, c.RedisClient, []string{lockKey}, token).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (c *Client) Close() (err error) {
	err = c.RedisClient.Close()
	return err
}

func (c *Client) Ping(ctx context.Context) (err error) {
	err = c.RedisClient.Ping(ctx).Err()
	return err
}
