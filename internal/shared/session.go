package shared

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrSessionNotFound indicates an unknown or expired session token.
var ErrSessionNotFound = errors.New("session not found")

// SessionManager stores bearer-token sessions in Redis.
type SessionManager struct {
	client *redis.Client
	ttl    time.Duration
}

type sessionPayload struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(client *redis.Client, ttl time.Duration) *SessionManager {
	return &SessionManager{client: client, ttl: ttl}
}

// Create opens a session for the caller and returns the bearer token.
func (sm *SessionManager) Create(ctx context.Context, caller Caller) (string, error) {
	token := generateToken()
	data, err := json.Marshal(sessionPayload{UserID: caller.ID.String(), Role: caller.Role})
	if err != nil {
		return "", err
	}
	if err := sm.client.Set(ctx, sm.redisKey(token), data, sm.ttl).Err(); err != nil {
		return "", err
	}
	return token, nil
}

// Resolve maps a bearer token back to its caller and refreshes the TTL.
func (sm *SessionManager) Resolve(ctx context.Context, token string) (Caller, error) {
	if token == "" {
		return Caller{}, ErrSessionNotFound
	}
	data, err := sm.client.Get(ctx, sm.redisKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Caller{}, ErrSessionNotFound
		}
		return Caller{}, err
	}
	var payload sessionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Caller{}, err
	}
	id, err := uuid.Parse(payload.UserID)
	if err != nil {
		return Caller{}, ErrSessionNotFound
	}
	_ = sm.client.Expire(ctx, sm.redisKey(token), sm.ttl).Err()
	return Caller{ID: id, Role: payload.Role}, nil
}

// Destroy removes the session for the token.
func (sm *SessionManager) Destroy(ctx context.Context, token string) error {
	if err := sm.client.Del(ctx, sm.redisKey(token)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// TTL exposes the configured session lifetime.
func (sm *SessionManager) TTL() time.Duration {
	return sm.ttl
}

func (sm *SessionManager) redisKey(token string) string {
	return "session:" + token
}

func generateToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString()
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
