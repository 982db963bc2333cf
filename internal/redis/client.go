package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// PartyChannel names the pub/sub channel carrying one topic of a watch party.
func PartyChannel(code, topic string) string {
	return fmt.Sprintf("party:%s:%s", code, topic)
}

// RateLimitKey names the sliding-window set for a limiter subject.
func RateLimitKey(subject string) string {
	return "ratelimit:" + subject
}
