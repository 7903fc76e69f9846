package status

import (
	"context"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Mirror is a minimal Redis-backed status writer.  On every lifecycle
// transition the manager mirrors the integration status into a key of
// the form: secretaria-status:{userID}.  External automations read
// these keys instead of polling the HTTP API.
type Mirror struct {
	client *redis.Client
	prefix string
}

// NewMirror initialises a mirror for the given Redis URL.  If url is
// empty or unparseable the returned mirror is a no-op.
func NewMirror(redisURL string) *Mirror {
	if strings.TrimSpace(redisURL) == "" {
		return &Mirror{prefix: "secretaria-status:"}
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		// Fall back to disabled if parse fails
		return &Mirror{prefix: "secretaria-status:"}
	}
	c := redis.NewClient(opt)
	// Ping with short timeout to validate
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.Ping(ctx).Err()
	return &Mirror{client: c, prefix: "secretaria-status:"}
}

// Set writes the status value for the given user.  A nil or disabled
// mirror discards the write.
func (m *Mirror) Set(userID, value string) {
	if m == nil || m.client == nil || userID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = m.client.Set(ctx, m.prefix+userID, strings.TrimSpace(value), 0).Err()
}
