package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"a2a.mesh/internal/core/domain"
)

const (
	dlqKey        = "a2a:dlq"
	dlqMetaPrefix = "a2a:dlq:meta:"
)

// DeadLetterQueue keeps failed delegations: a sorted set of ids scored by
// failure time plus one JSON document per letter.
type DeadLetterQueue struct {
	client *redis.Client
}

func NewDeadLetterQueue(client *redis.Client) *DeadLetterQueue {
	return &DeadLetterQueue{client: client}
}

func (dlq *DeadLetterQueue) Add(ctx context.Context, letter *domain.DeadLetter) error {
	data, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	pipe := dlq.client.TxPipeline()
	pipe.ZAdd(ctx, dlqKey, redis.Z{
		Score:  float64(letter.FailureTime.UnixMilli()),
		Member: letter.ID,
	})
	pipe.Set(ctx, dlqMetaPrefix+letter.ID, data, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add dead letter: %w", err)
	}
	return nil
}

func (dlq *DeadLetterQueue) Get(ctx context.Context, id string) (*domain.DeadLetter, error) {
	data, err := dlq.client.Get(ctx, dlqMetaPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", domain.ErrDeadLetterNotFound, id)
		}
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}

	var letter domain.DeadLetter
	if err := json.Unmarshal(data, &letter); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
	}
	return &letter, nil
}

// List returns letters newest first.
func (dlq *DeadLetterQueue) List(ctx context.Context, offset, limit int64) ([]*domain.DeadLetter, error) {
	if limit <= 0 {
		return []*domain.DeadLetter{}, nil
	}
	ids, err := dlq.client.ZRevRange(ctx, dlqKey, offset, offset+limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	letters := make([]*domain.DeadLetter, 0, len(ids))
	for _, id := range ids {
		letter, err := dlq.Get(ctx, id)
		if err != nil {
			// Metadata expired or removed concurrently.
			continue
		}
		letters = append(letters, letter)
	}
	return letters, nil
}

func (dlq *DeadLetterQueue) Remove(ctx context.Context, id string) error {
	pipe := dlq.client.TxPipeline()
	removed := pipe.ZRem(ctx, dlqKey, id)
	pipe.Del(ctx, dlqMetaPrefix+id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove dead letter: %w", err)
	}
	if removed.Val() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrDeadLetterNotFound, id)
	}
	return nil
}

func (dlq *DeadLetterQueue) Count(ctx context.Context) (int64, error) {
	count, err := dlq.client.ZCard(ctx, dlqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return count, nil
}

// Retry bumps the retry counter and returns the letter. The letter stays
// queued until the caller removes it after a successful delegation.
func (dlq *DeadLetterQueue) Retry(ctx context.Context, id string) (*domain.DeadLetter, error) {
	letter, err := dlq.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	letter.RetryCount++

	data, err := json.Marshal(letter)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	if err := dlq.client.Set(ctx, dlqMetaPrefix+id, data, 0).Err(); err != nil {
		return nil, fmt.Errorf("failed to update dead letter: %w", err)
	}
	return letter, nil
}
