package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cbt-battle-service/internal/domain"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// BattleStore implements app.BattleStore on Postgres. The join is a single
// conditional UPDATE checked by affected-row count; the finish runs in one
// transaction with the battle row locked FOR UPDATE.
type BattleStore struct {
	pool *pgxpool.Pool
}

func NewBattleStore(pool *pgxpool.Pool) *BattleStore {
	return &BattleStore{pool: pool}
}

const battleColumns = `b.id, b.title, b.subject_id, s.name, b.total_questions, b.time_per_question,
	b.status, b.created_by, b.player1_id, b.player2_id, b.winner_id, b.created_at, b.started_at, b.ended_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBattle(row rowScanner) (domain.Battle, error) {
	var b domain.Battle
	var player2, winner sql.NullString
	var startedAt, endedAt sql.NullTime
	err := row.Scan(&b.ID, &b.Title, &b.SubjectID, &b.SubjectName, &b.TotalQuestions, &b.TimePerQuestion,
		&b.Status, &b.CreatedBy, &b.Player1ID, &player2, &winner, &b.CreatedAt, &startedAt, &endedAt)
	if err != nil {
		return domain.Battle{}, err
	}
	b.Player2ID = player2.String
	b.WinnerID = winner.String
	if startedAt.Valid {
		t := startedAt.Time
		b.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		b.EndedAt = &t
	}
	return b, nil
}

func (s *BattleStore) CreateBattle(ctx context.Context, b domain.Battle) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO battles (id, title, subject_id, total_questions, time_per_question, status, created_by, player1_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.Title, b.SubjectID, b.TotalQuestions, b.TimePerQuestion, b.Status, b.CreatedBy, b.Player1ID, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert battle: %w", err)
	}
	return nil
}

func (s *BattleStore) GetBattle(ctx context.Context, battleID string) (domain.Battle, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+battleColumns+`
		FROM battles b JOIN subjects s ON b.subject_id = s.id
		WHERE b.id = $1`, battleID)
	b, err := scanBattle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Battle{}, domain.ErrBattleNotFound
	}
	if err != nil {
		return domain.Battle{}, fmt.Errorf("get battle: %w", err)
	}
	return b, nil
}

func (s *BattleStore) ListOpenBattles(ctx context.Context) ([]domain.Battle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+battleColumns+`
		FROM battles b JOIN subjects s ON b.subject_id = s.id
		WHERE b.status IN ('waiting', 'in_progress')
		ORDER BY b.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list battles: %w", err)
	}
	defer rows.Close()

	battles := make([]domain.Battle, 0)
	for rows.Next() {
		b, err := scanBattle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan battle: %w", err)
		}
		battles = append(battles, b)
	}
	return battles, rows.Err()
}

func (s *BattleStore) JoinBattle(ctx context.Context, battleID, userID string, at time.Time) (domain.Battle, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE battles
		SET player2_id = $1, status = 'in_progress', started_at = $2
		WHERE id = $3 AND status = 'waiting' AND player2_id IS NULL AND player1_id <> $1`,
		userID, at, battleID)
	if err != nil {
		return domain.Battle{}, fmt.Errorf("join battle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Battle{}, domain.ErrBattleNotFound
	}
	return s.GetBattle(ctx, battleID)
}

func (s *BattleStore) SaveQuestionSet(ctx context.Context, battleID string, questions []domain.Question) ([]domain.Question, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// First committed writer wins: a concurrent materializer conflicts on
	// (battle_id, position) and inserts nothing.
	for i, q := range questions {
		if _, err := tx.Exec(ctx, `
			INSERT INTO battle_questions (battle_id, position, question_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (battle_id, position) DO NOTHING`,
			battleID, i, q.ID); err != nil {
			return nil, fmt.Errorf("insert battle question: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit question set: %w", err)
	}
	return s.LoadQuestionSet(ctx, battleID)
}

func (s *BattleStore) LoadQuestionSet(ctx context.Context, battleID string) ([]domain.Question, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT q.id, q.question_text, q.question_type, q.difficulty, q.points,
		       qo.id, qo.option_text, qo.option_order, qo.is_correct
		FROM battle_questions bq
		JOIN questions q ON bq.question_id = q.id
		LEFT JOIN question_options qo ON qo.question_id = q.id
		WHERE bq.battle_id = $1
		ORDER BY bq.position, qo.option_order`, battleID)
	if err != nil {
		return nil, fmt.Errorf("load question set: %w", err)
	}
	defer rows.Close()

	questions, err := collectQuestions(rows)
	if err != nil {
		return nil, err
	}
	if len(questions) == 0 {
		return nil, domain.ErrQuestionSetNotFound
	}
	return questions, nil
}

// collectQuestions folds (question, option) join rows into questions,
// preserving row order.
func collectQuestions(rows pgx.Rows) ([]domain.Question, error) {
	questions := make([]domain.Question, 0)
	index := make(map[string]int)
	for rows.Next() {
		var q domain.Question
		var optID, optText sql.NullString
		var optOrder sql.NullInt32
		var optCorrect sql.NullBool
		if err := rows.Scan(&q.ID, &q.Text, &q.Type, &q.Difficulty, &q.Points,
			&optID, &optText, &optOrder, &optCorrect); err != nil {
			return nil, fmt.Errorf("scan question row: %w", err)
		}
		i, ok := index[q.ID]
		if !ok {
			i = len(questions)
			index[q.ID] = i
			questions = append(questions, q)
		}
		if optID.Valid {
			questions[i].Options = append(questions[i].Options, domain.Option{
				ID:      optID.String,
				Text:    optText.String,
				Order:   int(optOrder.Int32),
				Correct: optCorrect.Bool,
			})
		}
	}
	return questions, rows.Err()
}

func (s *BattleStore) SaveResponse(ctx context.Context, resp domain.BattleResponse) (domain.BattleResponse, error) {
	// The status predicate closes the race with a concurrent finish: a write
	// landing after the battle completed inserts nothing.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO battle_responses (battle_id, user_id, question_id, selected_option_id, is_correct, response_time_ms, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE EXISTS (SELECT 1 FROM battles WHERE id = $1 AND status <> 'completed')
		ON CONFLICT (battle_id, user_id, question_id) DO NOTHING`,
		resp.BattleID, resp.UserID, resp.QuestionID, resp.OptionID, resp.Correct, resp.ResponseTimeMs, resp.CreatedAt)
	if err != nil {
		return domain.BattleResponse{}, fmt.Errorf("insert response: %w", err)
	}

	// Return the stored row, which is the first submission when this one lost.
	// No row at all means the battle is gone or already completed.
	row := s.pool.QueryRow(ctx, `
		SELECT battle_id, user_id, question_id, selected_option_id, is_correct, response_time_ms, created_at
		FROM battle_responses
		WHERE battle_id = $1 AND user_id = $2 AND question_id = $3`,
		resp.BattleID, resp.UserID, resp.QuestionID)
	var stored domain.BattleResponse
	err = row.Scan(&stored.BattleID, &stored.UserID, &stored.QuestionID, &stored.OptionID,
		&stored.Correct, &stored.ResponseTimeMs, &stored.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.BattleResponse{}, domain.ErrBattleNotFound
	}
	if err != nil {
		return domain.BattleResponse{}, fmt.Errorf("read response: %w", err)
	}
	return stored, nil
}

func (s *BattleStore) ListResponses(ctx context.Context, battleID, userID string) ([]domain.BattleResponse, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT battle_id, user_id, question_id, selected_option_id, is_correct, response_time_ms, created_at
		FROM battle_responses
		WHERE battle_id = $1 AND user_id = $2
		ORDER BY created_at`, battleID, userID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()
	return collectResponses(rows)
}

func listResponsesTx(ctx context.Context, tx pgx.Tx, battleID, userID string) ([]domain.BattleResponse, error) {
	rows, err := tx.Query(ctx, `
		SELECT battle_id, user_id, question_id, selected_option_id, is_correct, response_time_ms, created_at
		FROM battle_responses
		WHERE battle_id = $1 AND user_id = $2
		ORDER BY created_at`, battleID, userID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()
	return collectResponses(rows)
}

func collectResponses(rows pgx.Rows) ([]domain.BattleResponse, error) {
	out := make([]domain.BattleResponse, 0)
	for rows.Next() {
		var r domain.BattleResponse
		if err := rows.Scan(&r.BattleID, &r.UserID, &r.QuestionID, &r.OptionID,
			&r.Correct, &r.ResponseTimeMs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *BattleStore) AtomicFinish(ctx context.Context, battleID string, at time.Time,
	pickWinner func(b domain.Battle, p1, p2 []domain.BattleResponse) string,
) (domain.Battle, []domain.BattleResponse, []domain.BattleResponse, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Battle{}, nil, nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+battleColumns+`
		FROM battles b JOIN subjects s ON b.subject_id = s.id
		WHERE b.id = $1
		FOR UPDATE OF b`, battleID)
	b, err := scanBattle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Battle{}, nil, nil, domain.ErrBattleNotFound
	}
	if err != nil {
		return domain.Battle{}, nil, nil, fmt.Errorf("lock battle: %w", err)
	}
	if b.Status == domain.StatusWaiting {
		return domain.Battle{}, nil, nil, domain.ErrBattleNotFound
	}

	p1, err := listResponsesTx(ctx, tx, battleID, b.Player1ID)
	if err != nil {
		return domain.Battle{}, nil, nil, err
	}
	p2, err := listResponsesTx(ctx, tx, battleID, b.Player2ID)
	if err != nil {
		return domain.Battle{}, nil, nil, err
	}

	if b.Status == domain.StatusCompleted {
		return b, p1, p2, tx.Commit(ctx)
	}

	winnerID := pickWinner(b, p1, p2)
	if _, err := tx.Exec(ctx, `
		UPDATE battles SET status = 'completed', winner_id = $1, ended_at = $2
		WHERE id = $3 AND status = 'in_progress'`, winnerID, at, battleID); err != nil {
		return domain.Battle{}, nil, nil, fmt.Errorf("complete battle: %w", err)
	}
	for _, userID := range []string{b.Player1ID, b.Player2ID} {
		won := 0
		if userID == winnerID {
			won = 1
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO user_battle_stats (user_id, total_battles_played, battles_won)
			VALUES ($1, 1, $2)
			ON CONFLICT (user_id) DO UPDATE
			SET total_battles_played = user_battle_stats.total_battles_played + 1,
			    battles_won = user_battle_stats.battles_won + EXCLUDED.battles_won`,
			userID, won); err != nil {
			return domain.Battle{}, nil, nil, fmt.Errorf("update stats: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Battle{}, nil, nil, fmt.Errorf("commit finish: %w", err)
	}

	b.Status = domain.StatusCompleted
	b.WinnerID = winnerID
	ended := at
	b.EndedAt = &ended
	return b, p1, p2, nil
}

func (s *BattleStore) UserStats(ctx context.Context, userID string) (domain.UserStats, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, total_battles_played, battles_won
		FROM user_battle_stats WHERE user_id = $1`, userID)
	var stats domain.UserStats
	err := row.Scan(&stats.UserID, &stats.BattlesPlayed, &stats.BattlesWon)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.UserStats{UserID: userID}, nil
	}
	if err != nil {
		return domain.UserStats{}, fmt.Errorf("read stats: %w", err)
	}
	return stats, nil
}
