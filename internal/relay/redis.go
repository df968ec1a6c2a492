package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	messagePrefix   = "relay:msg:"
	presenceKeyFmt  = "relay:presence:%s"
	presenceConnFmt = "relay:presence:conns:%s"

	// presenceTTL bounds how long a crashed process's entries linger. Every
	// join and leave on the channel pushes the expiry out again.
	presenceTTL = 24 * time.Hour
)

// RedisRelay implements Relay over Redis pub/sub. Presence membership lives
// in a Redis hash per presence channel so the relay, not the application,
// is the authority on who is connected.
type RedisRelay struct {
	client *redis.Client
	secret []byte
}

func NewRedisRelay(redisURL string, secret []byte) (*RedisRelay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisRelayWithClient(client, secret), nil
}

func NewRedisRelayWithClient(client *redis.Client, secret []byte) *RedisRelay {
	return &RedisRelay{client: client, secret: secret}
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}

func (r *RedisRelay) Subscribe(ctx context.Context, channel string, grant *Grant) (*Subscription, error) {
	kind, _, err := ParseChannel(channel)
	if err != nil {
		return nil, err
	}

	var member Member
	if kind != ChannelPublic {
		if grant == nil || grant.Channel != channel || !grant.Verify(r.secret) {
			return nil, ErrUnauthorized
		}
	}
	if kind == ChannelPresence {
		var ok bool
		if member, ok = grant.PresenceMember(); !ok {
			return nil, ErrUnauthorized
		}
	}

	pubsub := r.client.Subscribe(ctx, messagePrefix+channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	var members []Member
	if kind == ChannelPresence {
		members, err = r.joinPresence(ctx, channel, member)
		if err != nil {
			_ = pubsub.Close()
			return nil, err
		}
	}

	out := make(chan Event, 64)
	go r.pump(channel, member.ID, pubsub, out)

	sub := &Subscription{
		Channel: channel,
		Members: members,
		Events:  out,
	}
	sub.closeFn = func(closeCtx context.Context) error {
		if kind == ChannelPresence {
			r.leavePresence(closeCtx, channel, member)
		}
		return pubsub.Close()
	}
	return sub, nil
}

func (r *RedisRelay) Publish(ctx context.Context, channel, event string, data any) error {
	if _, _, err := ParseChannel(channel); err != nil {
		return err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return r.publishEnvelope(ctx, channel, envelope{Event: event, Data: raw})
}

func (r *RedisRelay) publishEnvelope(ctx context.Context, channel string, env envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := r.client.Publish(ctx, messagePrefix+channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s on %s: %w", env.Event, channel, err)
	}
	return nil
}

// joinPresence registers one connection for the member. Membership is
// refcounted per connection so a second tab neither re-announces the member
// nor deregisters them when it closes.
func (r *RedisRelay) joinPresence(ctx context.Context, channel string, member Member) ([]Member, error) {
	key := fmt.Sprintf(presenceKeyFmt, channel)
	connKey := fmt.Sprintf(presenceConnFmt, channel)
	memberJSON, err := json.Marshal(member)
	if err != nil {
		return nil, fmt.Errorf("marshal member: %w", err)
	}
	conns, err := r.client.HIncrBy(ctx, connKey, member.ID, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("count presence: %w", err)
	}
	if err := r.client.HSet(ctx, key, member.ID, memberJSON).Err(); err != nil {
		return nil, fmt.Errorf("register presence: %w", err)
	}
	r.client.Expire(ctx, key, presenceTTL)
	r.client.Expire(ctx, connKey, presenceTTL)

	entries, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence: %w", err)
	}
	members := make([]Member, 0, len(entries))
	for id, raw := range entries {
		var m Member
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			m = Member{ID: id}
		}
		members = append(members, m)
	}

	if conns == 1 {
		if err := r.publishEnvelope(ctx, channel, envelope{Event: EventMemberAdded, Member: &member}); err != nil {
			log.Printf("relay: broadcast join on %s: %v", channel, err)
		}
	}
	return members, nil
}

func (r *RedisRelay) leavePresence(ctx context.Context, channel string, member Member) {
	key := fmt.Sprintf(presenceKeyFmt, channel)
	connKey := fmt.Sprintf(presenceConnFmt, channel)
	conns, err := r.client.HIncrBy(ctx, connKey, member.ID, -1).Result()
	if err != nil {
		log.Printf("relay: count presence on %s: %v", channel, err)
		return
	}
	r.client.Expire(ctx, key, presenceTTL)
	r.client.Expire(ctx, connKey, presenceTTL)
	if conns > 0 {
		return
	}
	if err := r.client.HDel(ctx, connKey, member.ID).Err(); err != nil {
		log.Printf("relay: drop presence count on %s: %v", channel, err)
	}
	if err := r.client.HDel(ctx, key, member.ID).Err(); err != nil {
		log.Printf("relay: deregister presence on %s: %v", channel, err)
	}
	if err := r.publishEnvelope(ctx, channel, envelope{Event: EventMemberRemoved, Member: &Member{ID: member.ID}}); err != nil {
		log.Printf("relay: broadcast leave on %s: %v", channel, err)
	}
}

func (r *RedisRelay) pump(channel, selfID string, pubsub *redis.PubSub, out chan<- Event) {
	defer close(out)
	for msg := range pubsub.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			log.Printf("relay: drop undecodable message on %s: %v", channel, err)
			continue
		}
		if env.Event == "" {
			continue
		}
		// A subscriber never hears about its own membership.
		if (env.Event == EventMemberAdded || env.Event == EventMemberRemoved) &&
			env.Member != nil && selfID != "" && env.Member.ID == selfID {
			continue
		}
		select {
		case out <- Event{Channel: channel, Name: env.Event, Data: env.Data, Member: env.Member}:
		default:
			// Slow consumer: shed the oldest kind of traffic rather than
			// block the pump. Content loss is repaired by the next update.
			log.Printf("relay: drop %s on %s, subscriber backlogged", env.Event, channel)
		}
	}
}
