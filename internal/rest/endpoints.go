package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/luciancaetano/shardline"
	"github.com/luciancaetano/shardline/internal/ratelimit"
)

// SessionStartLimit is the identify budget reported by the bootstrap call.
type SessionStartLimit struct {
	Total          int   `json:"total"`
	Remaining      int   `json:"remaining"`
	ResetAfter     int64 `json:"reset_after"`
	MaxConcurrency int   `json:"max_concurrency"`
}

func (l SessionStartLimit) ResetIn() time.Duration {
	return time.Duration(l.ResetAfter) * time.Millisecond
}

// GatewayBot is the response of the gateway bootstrap call.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

type createMessage struct {
	Content string `json:"content"`
}

func (c *Client) GatewayBot(ctx context.Context) (*GatewayBot, error) {
	var out GatewayBot
	if err := c.Do(ctx, ratelimit.NewRoute(http.MethodGet, "/gateway/bot"), nil, &out); err != nil {
		return nil, err
	}
	if out.Shards < 1 {
		out.Shards = 1
	}
	if out.SessionStartLimit.MaxConcurrency < 1 {
		out.SessionStartLimit.MaxConcurrency = 1
	}
	return &out, nil
}

func (c *Client) CurrentUser(ctx context.Context) (*shardline.User, error) {
	var out shardline.User
	if err := c.Do(ctx, ratelimit.NewRoute(http.MethodGet, "/users/@me"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetUser(ctx context.Context, id shardline.Snowflake) (*shardline.User, error) {
	var out shardline.User
	if err := c.Do(ctx, ratelimit.NewRoute(http.MethodGet, "/users/{user.id}", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetMessage(ctx context.Context, channelID, messageID shardline.Snowflake) (*shardline.Message, error) {
	var out shardline.Message
	route := ratelimit.NewRoute(http.MethodGet, "/channels/{channel.id}/messages/{message.id}", channelID, messageID)
	if err := c.Do(ctx, route, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateMessage(ctx context.Context, channelID shardline.Snowflake, content string) (*shardline.Message, error) {
	var out shardline.Message
	route := ratelimit.NewRoute(http.MethodPost, "/channels/{channel.id}/messages", channelID)
	if err := c.Do(ctx, route, createMessage{Content: content}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID shardline.Snowflake) error {
	route := ratelimit.NewRoute(http.MethodDelete, "/channels/{channel.id}/messages/{message.id}", channelID, messageID)
	return c.Do(ctx, route, nil, nil)
}
