package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Relay fans committed updates out to other server instances.
type Relay interface {
	// Publish announces an update committed here at version (0 when the
	// save failed).
	Publish(ctx context.Context, docID string, update []byte, version int64) error
	// Subscribe calls fn for updates other instances commit to docID until
	// the returned stop function is called.
	Subscribe(docID string, fn func(update []byte, version int64)) (stop func(), err error)
}

// ChannelName is the pub/sub channel of a document.
func ChannelName(docID string) string {
	return fmt.Sprintf("doc:%s:updates", docID)
}

type envelope struct {
	Origin  string `json:"origin"`
	Version int64  `json:"version"`
	Update  []byte `json:"update"`
}

// RedisRelay implements Relay with Redis pub/sub.
type RedisRelay struct {
	rdb      *redis.Client
	instance string
	log      *slog.Logger
}

// NewRedisRelay creates a relay; instance tags messages so an instance
// ignores its own.
func NewRedisRelay(rdb *redis.Client, instance string) *RedisRelay {
	return &RedisRelay{
		rdb:      rdb,
		instance: instance,
		log:      slog.Default().With("component", "relay", "instance", instance),
	}
}

// Publish implements Relay.
func (r *RedisRelay) Publish(ctx context.Context, docID string, update []byte, version int64) error {
	b, err := json.Marshal(envelope{Origin: r.instance, Version: version, Update: update})
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, ChannelName(docID), b).Err()
}

// Subscribe implements Relay.
func (r *RedisRelay) Subscribe(docID string, fn func(update []byte, version int64)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := r.rdb.Subscribe(ctx, ChannelName(docID))
	// Wait for the subscription to be confirmed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		cancel()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn("bad relay message", "doc", docID, "err", err)
				continue
			}
			if env.Origin == r.instance {
				continue
			}
			fn(env.Update, env.Version)
		}
	}()

	return func() {
		pubsub.Close()
		cancel()
		<-done
	}, nil
}
