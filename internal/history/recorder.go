package history

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"chatroomgo/internal/chat"
)

const (
	// GlobalStream is tailed by syncmsg to persist messages into Postgres.
	GlobalStream = "chat_messages"

	roomStreamPrefix = "chat:room:"
)

// RedisRecorder keeps a capped per-room recent buffer (for join-time
// backfill) and appends every message to the global stream consumed by the
// Postgres synchroniser. It implements chat.Recorder; the engine calls it
// off the broadcast path.
type RedisRecorder struct {
	rdc     *redis.Client
	roomCap int64
}

func NewRedisRecorder(rdc *redis.Client, roomCap int) *RedisRecorder {
	return &RedisRecorder{rdc: rdc, roomCap: int64(roomCap)}
}

func roomStream(roomID string) string { return roomStreamPrefix + roomID }

func (r *RedisRecorder) Record(ctx context.Context, msg *chat.Message) error {
	values := map[string]any{
		"room":        msg.RoomID,
		"sender_id":   msg.Sender.ID,
		"sender_name": msg.Sender.Name,
		"seq":         strconv.FormatUint(msg.Seq, 10),
		"payload":     string(msg.Payload),
		"at":          strconv.FormatInt(msg.At.Unix(), 10),
	}

	pipe := r.rdc.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: roomStream(msg.RoomID),
		MaxLen: r.roomCap,
		Approx: true,
		Values: values,
	})
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: GlobalStream,
		Values: values,
	})
	_, err := pipe.Exec(ctx)
	return err
}

// Recent returns up to limit messages for the room, oldest first.
func (r *RedisRecorder) Recent(ctx context.Context, roomID string, limit int) ([]chat.Message, error) {
	entries, err := r.rdc.XRevRangeN(ctx, roomStream(roomID), "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, err
	}

	msgs := make([]chat.Message, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		msgs = append(msgs, fromValues(entries[i].Values))
	}
	return msgs, nil
}

func fromValues(v map[string]any) chat.Message {
	seq, _ := strconv.ParseUint(str(v["seq"]), 10, 64)
	at, _ := strconv.ParseInt(str(v["at"]), 10, 64)
	return chat.Message{
		RoomID: str(v["room"]),
		Sender: chat.Identity{
			ID:   str(v["sender_id"]),
			Name: str(v["sender_name"]),
		},
		Seq:     seq,
		Payload: json.RawMessage(str(v["payload"])),
		At:      time.Unix(at, 0).UTC(),
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// Nop is used when Redis-backed history is disabled.
type Nop struct{}

func (Nop) Record(context.Context, *chat.Message) error { return nil }

func (Nop) Recent(context.Context, string, int) ([]chat.Message, error) { return nil, nil }
