package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTicketNotFound is returned when a ticket expired or was never issued.
var ErrTicketNotFound = errors.New("gateway: ticket not found")

// Ticket is the per-session state kept between agent calls.
type Ticket struct {
	Value     string
	SessionID int64
	CompanyID int64
	// Outstanding is the item most recently handed to the agent.
	ItemID    int64
	Attempt   int
	LastError string
}

// TicketStore keeps tickets alive for the duration of a session.
type TicketStore interface {
	Put(ctx context.Context, t Ticket, ttl time.Duration) error
	Get(ctx context.Context, ticket string) (Ticket, error)
	SetOutstanding(ctx context.Context, ticket string, itemID int64, attempt int) error
	SetLastError(ctx context.Context, ticket, message string) error
	Delete(ctx context.Context, ticket string) error
}

// RedisTicketStore stores tickets as hashes with a sliding TTL.
type RedisTicketStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisTicketStore constructs a store. ttl is refreshed on every update.
func NewRedisTicketStore(client *redis.Client, ttl time.Duration) *RedisTicketStore {
	return &RedisTicketStore{client: client, prefix: "payrollsync:ticket:", ttl: ttl}
}

func (s *RedisTicketStore) key(ticket string) string {
	return s.prefix + ticket
}

// Put implements TicketStore.
func (s *RedisTicketStore) Put(ctx context.Context, t Ticket, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}
	key := s.key(t.Value)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"session_id": t.SessionID,
		"company_id": t.CompanyID,
		"item_id":    t.ItemID,
		"attempt":    t.Attempt,
		"last_error": t.LastError,
	})
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("gateway: store ticket: %w", err)
	}
	return nil
}

// Get implements TicketStore.
func (s *RedisTicketStore) Get(ctx context.Context, ticket string) (Ticket, error) {
	if ticket == "" {
		return Ticket{}, ErrTicketNotFound
	}
	vals, err := s.client.HGetAll(ctx, s.key(ticket)).Result()
	if err != nil {
		return Ticket{}, fmt.Errorf("gateway: load ticket: %w", err)
	}
	if len(vals) == 0 {
		return Ticket{}, ErrTicketNotFound
	}
	t := Ticket{Value: ticket, LastError: vals["last_error"]}
	t.SessionID, _ = strconv.ParseInt(vals["session_id"], 10, 64)
	t.CompanyID, _ = strconv.ParseInt(vals["company_id"], 10, 64)
	t.ItemID, _ = strconv.ParseInt(vals["item_id"], 10, 64)
	t.Attempt, _ = strconv.Atoi(vals["attempt"])
	return t, nil
}

// SetOutstanding implements TicketStore.
func (s *RedisTicketStore) SetOutstanding(ctx context.Context, ticket string, itemID int64, attempt int) error {
	return s.update(ctx, ticket, map[string]any{"item_id": itemID, "attempt": attempt})
}

// SetLastError implements TicketStore.
func (s *RedisTicketStore) SetLastError(ctx context.Context, ticket, message string) error {
	return s.update(ctx, ticket, map[string]any{"last_error": message})
}

func (s *RedisTicketStore) update(ctx context.Context, ticket string, fields map[string]any) error {
	key := s.key(ticket)
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("gateway: update ticket: %w", err)
	}
	if n == 0 {
		return ErrTicketNotFound
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("gateway: update ticket: %w", err)
	}
	return nil
}

// Delete implements TicketStore.
func (s *RedisTicketStore) Delete(ctx context.Context, ticket string) error {
	if err := s.client.Del(ctx, s.key(ticket)).Err(); err != nil {
		return fmt.Errorf("gateway: delete ticket: %w", err)
	}
	return nil
}
