package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"cbt-battle-service/internal/domain"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// QuestionSetLoader fetches a battle's materialized set from the backing store.
type QuestionSetLoader interface {
	LoadQuestionSet(ctx context.Context, battleID string) ([]domain.Question, error)
}

// QuestionSetCache keeps materialized battle question sets in Redis
// (JSON blob per battle: SET battle:{id}:questions) with a loader fallback on
// cache miss. Misses for a battle whose set was never materialized are not
// cached; materialization happens in the store, not here.
type QuestionSetCache struct {
	client *redis.Client
	loader QuestionSetLoader
	ttl    time.Duration
	sf     singleflight.Group
	rnd    *rand.Rand
}

func NewQuestionSetCache(client *redis.Client, loader QuestionSetLoader, ttl time.Duration) *QuestionSetCache {
	return &QuestionSetCache{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// cachedOption mirrors domain.Option with the correctness flag included; the
// domain type hides it from JSON so it can never reach a client payload, but
// the cache is server-side and must retain it for scoring.
type cachedOption struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Order   int    `json:"order"`
	Correct bool   `json:"correct"`
}

type cachedQuestion struct {
	ID         string         `json:"id"`
	Text       string         `json:"text"`
	Type       string         `json:"type"`
	Difficulty string         `json:"difficulty"`
	Points     int            `json:"points"`
	Options    []cachedOption `json:"options"`
}

func (c *QuestionSetCache) GetQuestionSet(ctx context.Context, battleID string) ([]domain.Question, error) {
	key := c.key(battleID)

	raw, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		if questions, derr := decodeSet(raw); derr == nil {
			return questions, nil
		}
		// fall through to the loader on a corrupt entry
	}

	result, err, _ := c.sf.Do(battleID, func() (interface{}, error) {
		// Re-check in case another goroutine filled it.
		raw, err := c.client.Get(ctx, key).Bytes()
		if err == nil {
			if questions, derr := decodeSet(raw); derr == nil {
				return questions, nil
			}
		}

		questions, err := c.loader.LoadQuestionSet(ctx, battleID)
		if err != nil {
			return nil, err
		}

		if encoded, err := encodeSet(questions); err == nil {
			_ = c.client.Set(ctx, key, encoded, c.ttlWithJitter()).Err()
		}
		return questions, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Question), nil
}

func (c *QuestionSetCache) key(battleID string) string {
	return "battle:" + battleID + ":questions"
}

func encodeSet(questions []domain.Question) ([]byte, error) {
	cached := make([]cachedQuestion, 0, len(questions))
	for _, q := range questions {
		cq := cachedQuestion{
			ID:         q.ID,
			Text:       q.Text,
			Type:       q.Type,
			Difficulty: q.Difficulty,
			Points:     q.Points,
			Options:    make([]cachedOption, 0, len(q.Options)),
		}
		for _, opt := range q.Options {
			cq.Options = append(cq.Options, cachedOption(opt))
		}
		cached = append(cached, cq)
	}
	return json.Marshal(cached)
}

func decodeSet(raw []byte) ([]domain.Question, error) {
	var cached []cachedQuestion
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, err
	}
	questions := make([]domain.Question, 0, len(cached))
	for _, cq := range cached {
		q := domain.Question{
			ID:         cq.ID,
			Text:       cq.Text,
			Type:       cq.Type,
			Difficulty: cq.Difficulty,
			Points:     cq.Points,
			Options:    make([]domain.Option, 0, len(cq.Options)),
		}
		for _, opt := range cq.Options {
			q.Options = append(q.Options, domain.Option(opt))
		}
		questions = append(questions, q)
	}
	return questions, nil
}

func (c *QuestionSetCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
