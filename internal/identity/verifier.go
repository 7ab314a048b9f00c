package identity

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"chatroomgo/internal/chat"
)

var ErrUnauthorized = errors.New("unauthorized")

// Verifier turns the opaque credential carried in the connection handshake
// into a stable identity. Token issuance lives elsewhere; this side only
// consumes it.
type Verifier interface {
	Verify(ctx context.Context, credential string) (chat.Identity, error)
}

const sessionKeyPrefix = "sess:"

// RedisVerifier resolves credentials against session hashes written by the
// auth service ("sess:<token>" with uid/name fields).
type RedisVerifier struct {
	rdc *redis.Client
}

func NewRedisVerifier(rdc *redis.Client) *RedisVerifier {
	return &RedisVerifier{rdc: rdc}
}

func (v *RedisVerifier) Verify(ctx context.Context, credential string) (chat.Identity, error) {
	if credential == "" {
		return chat.Identity{}, ErrUnauthorized
	}

	sess, err := v.rdc.HGetAll(ctx, sessionKeyPrefix+credential).Result()
	if err != nil {
		return chat.Identity{}, err
	}
	uid := sess["uid"]
	if uid == "" {
		return chat.Identity{}, ErrUnauthorized
	}
	return chat.Identity{ID: uid, Name: sess["name"]}, nil
}

// VerifierFunc adapts a plain function to the Verifier interface.
type VerifierFunc func(ctx context.Context, credential string) (chat.Identity, error)

func (f VerifierFunc) Verify(ctx context.Context, credential string) (chat.Identity, error) {
	return f(ctx, credential)
}
