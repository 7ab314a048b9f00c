package syncmsg

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatroomgo/internal/history"
)

// Run tails the global message stream and persists every delivered message.
// Persistence is off the delivery path entirely: a dead database delays
// nothing and loses nothing already in the stream.
func Run(ctx context.Context, rdc *redis.Client, db *sql.DB) {
	go func() {
		lastID := "0-0"
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			// block up to 2 s for new entries
			res, err := rdc.XRead(ctx, &redis.XReadArgs{
				Streams: []string{history.GlobalStream, lastID},
				Count:   100,
				Block:   2000 * time.Millisecond,
			}).Result()
			if err != nil && err != redis.Nil {
				if ctx.Err() != nil {
					return
				}
				zap.L().Warn("syncmsg.xread", zap.Error(err))
				time.Sleep(time.Second)
				continue
			}
			if len(res) == 0 {
				continue
			}
			entries := res[0].Messages
			if err := persist(ctx, db, entries); err != nil {
				zap.L().Error("syncmsg.persist", zap.Error(err))
			}
			lastID = entries[len(entries)-1].ID
		}
	}()
}

func persist(ctx context.Context, db *sql.DB, msgs []redis.XMessage) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	const ins = `INSERT INTO messages (room_id, sender_id, sender_name, seq, payload, sent_at)
	             VALUES ($1, $2, $3, $4, $5, to_timestamp($6))
	             ON CONFLICT (room_id, seq) DO NOTHING`
	for _, m := range msgs {
		room := str(m.Values["room"])
		senderID := str(m.Values["sender_id"])
		senderName := str(m.Values["sender_name"])
		payload := str(m.Values["payload"])
		seq, _ := strconv.ParseUint(str(m.Values["seq"]), 10, 64)
		at, _ := strconv.ParseInt(str(m.Values["at"]), 10, 64)

		if _, err := tx.ExecContext(ctx, ins, room, senderID, senderName, seq, payload, at); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
