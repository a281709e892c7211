package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"cbt-battle-service/internal/domain"
)

// QuestionSource is an in-memory question bank keyed by subject (useful for
// tests and for running without Postgres).
type QuestionSource struct {
	mu        sync.RWMutex
	subjects  map[string]domain.Subject
	questions map[string][]domain.Question
	rnd       *rand.Rand
}

func NewQuestionSource(subjects []domain.Subject, questionsBySubject map[string][]domain.Question) *QuestionSource {
	byID := make(map[string]domain.Subject, len(subjects))
	for _, sub := range subjects {
		byID[sub.ID] = sub
	}
	return &QuestionSource{
		subjects:  byID,
		questions: questionsBySubject,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *QuestionSource) GetSubject(_ context.Context, subjectID string) (domain.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subject, ok := s.subjects[subjectID]
	if !ok {
		return domain.Subject{}, domain.ErrSubjectNotFound
	}
	return subject, nil
}

// SampleQuestions draws count questions uniformly without replacement,
// returning fewer when the subject holds fewer.
func (s *QuestionSource) SampleQuestions(_ context.Context, subjectID string, count int) ([]domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subjects[subjectID]; !ok {
		return nil, domain.ErrSubjectNotFound
	}

	pool := s.questions[subjectID]
	shuffled := make([]domain.Question, len(pool))
	copy(shuffled, pool)
	s.rnd.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	if count > len(shuffled) {
		count = len(shuffled)
	}
	return shuffled[:count], nil
}
