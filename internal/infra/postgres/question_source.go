package postgres

import (
	"context"
	"errors"
	"fmt"

	"cbt-battle-service/internal/domain"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// QuestionSource samples active questions from the question bank tables.
type QuestionSource struct {
	pool *pgxpool.Pool
}

func NewQuestionSource(pool *pgxpool.Pool) *QuestionSource {
	return &QuestionSource{pool: pool}
}

func (s *QuestionSource) GetSubject(ctx context.Context, subjectID string) (domain.Subject, error) {
	var subject domain.Subject
	err := s.pool.QueryRow(ctx, `SELECT id, name FROM subjects WHERE id = $1`, subjectID).
		Scan(&subject.ID, &subject.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Subject{}, domain.ErrSubjectNotFound
	}
	if err != nil {
		return domain.Subject{}, fmt.Errorf("get subject: %w", err)
	}
	return subject, nil
}

// SampleQuestions draws up to count active questions of the subject
// uniformly at random, with their ordered options.
func (s *QuestionSource) SampleQuestions(ctx context.Context, subjectID string, count int) ([]domain.Question, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT q.id, q.question_text, q.question_type, q.difficulty, q.points,
		       qo.id, qo.option_text, qo.option_order, qo.is_correct
		FROM (
			SELECT id, question_text, question_type, difficulty, points
			FROM questions
			WHERE subject_id = $1 AND is_active
			ORDER BY random()
			LIMIT $2
		) q
		LEFT JOIN question_options qo ON qo.question_id = q.id
		ORDER BY q.id, qo.option_order`, subjectID, count)
	if err != nil {
		return nil, fmt.Errorf("sample questions: %w", err)
	}
	defer rows.Close()
	return collectQuestions(rows)
}
