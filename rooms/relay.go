package rooms

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/redis/go-redis/v9"

	"crest-api/domain"
)

// RedisRelay mirrors room rosters in Redis hashes and fans room events out to
// every service instance over a single pub/sub channel.
type RedisRelay struct {
	client  *redis.Client
	channel string
}

type relayEnvelope struct {
	Room  string          `json:"room"`
	Event json.RawMessage `json:"event"`
}

// NewRedisRelay creates a relay publishing on the given pub/sub channel.
func NewRedisRelay(client *redis.Client, channel string) *RedisRelay {
	if client == nil {
		panic("rooms.NewRedisRelay: redis client is nil")
	}
	if channel == "" {
		channel = "crest:rooms"
	}
	return &RedisRelay{client: client, channel: channel}
}

// Publish sends an encoded room event to every subscribed instance.
func (r *RedisRelay) Publish(ctx context.Context, room string, data []byte) error {
	env, err := json.Marshal(relayEnvelope{Room: room, Event: data})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, env).Err()
}

// AddMember upserts the collaborator in the room's roster mirror.
func (r *RedisRelay) AddMember(ctx context.Context, room string, c domain.Collaborator) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, membersKey(room), c.ID, data).Err()
}

// RemoveMember deletes the collaborator from the roster mirror.
func (r *RedisRelay) RemoveMember(ctx context.Context, room, connID string) error {
	return r.client.HDel(ctx, membersKey(room), connID).Err()
}

// Snapshot reads the full roster mirror for a room.
func (r *RedisRelay) Snapshot(ctx context.Context, room string) ([]domain.Collaborator, error) {
	entries, err := r.client.HGetAll(ctx, membersKey(room)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.Collaborator, 0, len(entries))
	for _, raw := range entries {
		var c domain.Collaborator
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// CloseRoom drops the roster mirror entirely.
func (r *RedisRelay) CloseRoom(ctx context.Context, room string) error {
	return r.client.Del(ctx, membersKey(room)).Err()
}

// Run consumes the relay channel and delivers events to the hub's local
// members until ctx is cancelled, reconnecting if the subscription drops.
func (r *RedisRelay) Run(ctx context.Context, hub *Hub, logger *log.Logger) {
	for {
		sub := r.client.Subscribe(ctx, r.channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var env relayEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					logger.WithError(err).Error("unable to parse relay event")
					continue
				}
				hub.DeliverLocal(env.Room, env.Event)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("relay channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}

func membersKey(room string) string {
	return "room:" + room + ":members"
}
