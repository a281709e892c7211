package app

import (
	"context"
	"errors"
	"math"
	"time"

	"cbt-battle-service/internal/domain"

	"github.com/google/uuid"
)

// BattleStore persists the battle entity graph. Implementations must make
// JoinBattle a single conditional write and AtomicFinish one atomic region;
// every other guarantee of the engine builds on those two.
type BattleStore interface {
	CreateBattle(ctx context.Context, battle domain.Battle) error
	GetBattle(ctx context.Context, battleID string) (domain.Battle, error)
	ListOpenBattles(ctx context.Context) ([]domain.Battle, error)

	// JoinBattle sets player2/status/started_at iff the battle is still
	// waiting, has no player2, and userID is not player1. Losing the race
	// (or joining a non-waiting battle) yields ErrBattleNotFound.
	JoinBattle(ctx context.Context, battleID, userID string, at time.Time) (domain.Battle, error)

	// SaveQuestionSet stores a materialized set unless one already exists and
	// returns the canonical stored set either way.
	SaveQuestionSet(ctx context.Context, battleID string, questions []domain.Question) ([]domain.Question, error)
	LoadQuestionSet(ctx context.Context, battleID string) ([]domain.Question, error)

	// SaveResponse appends a response unless one exists for the same
	// (battle, user, question); the stored (first) row is returned either way.
	SaveResponse(ctx context.Context, resp domain.BattleResponse) (domain.BattleResponse, error)
	ListResponses(ctx context.Context, battleID, userID string) ([]domain.BattleResponse, error)

	// AtomicFinish transitions an in-progress battle to completed exactly once.
	// pickWinner runs inside the store's transactional boundary together with
	// the status write and both stats increments. When the battle is already
	// completed, pickWinner is not called and the stored battle is returned.
	// The returned response slices are ordered player1, player2.
	AtomicFinish(ctx context.Context, battleID string, at time.Time,
		pickWinner func(b domain.Battle, p1, p2 []domain.BattleResponse) string,
	) (domain.Battle, []domain.BattleResponse, []domain.BattleResponse, error)

	UserStats(ctx context.Context, userID string) (domain.UserStats, error)
}

// QuestionSource supplies subjects and random question samples; the question
// bank itself is owned elsewhere.
type QuestionSource interface {
	GetSubject(ctx context.Context, subjectID string) (domain.Subject, error)
	// SampleQuestions draws up to count active questions of the subject,
	// uniformly without replacement, degrading below count when the subject
	// holds fewer.
	SampleQuestions(ctx context.Context, subjectID string, count int) ([]domain.Question, error)
}

// QuestionSetRepository serves a battle's materialized question set, typically
// through a cache in front of the BattleStore.
type QuestionSetRepository interface {
	GetQuestionSet(ctx context.Context, battleID string) ([]domain.Question, error)
}

// BattleService is the battle lifecycle engine: creation, joining, question
// materialization, answer scoring, and the completed transition.
type BattleService struct {
	battles BattleStore
	source  QuestionSource
	sets    QuestionSetRepository
	watch   *WatchHub
	now     func() time.Time
	newID   func() string
}

func NewBattleService(battles BattleStore, source QuestionSource, sets QuestionSetRepository, watch *WatchHub) *BattleService {
	return &BattleService{
		battles: battles,
		source:  source,
		sets:    sets,
		watch:   watch,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// WithClock is test-only for deterministic timestamps and IDs.
func (s *BattleService) WithClock(now func() time.Time, newID func() string) *BattleService {
	s.now = now
	s.newID = newID
	return s
}

// CreateBattleInput carries the creator-chosen battle parameters.
type CreateBattleInput struct {
	Title           string
	SubjectID       string
	TotalQuestions  int
	TimePerQuestion int
}

// Create inserts a waiting battle with the caller as player1. No questions are
// drawn yet; materialization is deferred to Start.
func (s *BattleService) Create(ctx context.Context, p domain.Principal, in CreateBattleInput) (domain.Battle, error) {
	if in.TotalQuestions < 1 || in.TimePerQuestion < 1 {
		return domain.Battle{}, domain.ErrInvalidInput
	}
	subject, err := s.source.GetSubject(ctx, in.SubjectID)
	if err != nil {
		return domain.Battle{}, err
	}

	battle := domain.Battle{
		ID:              s.newID(),
		Title:           in.Title,
		SubjectID:       subject.ID,
		SubjectName:     subject.Name,
		TotalQuestions:  in.TotalQuestions,
		TimePerQuestion: in.TimePerQuestion,
		Status:          domain.StatusWaiting,
		CreatedBy:       p.UserID,
		Player1ID:       p.UserID,
		CreatedAt:       s.now(),
	}
	if err := s.battles.CreateBattle(ctx, battle); err != nil {
		return domain.Battle{}, err
	}
	return battle, nil
}

// Join binds the caller as player2 and moves the battle to in_progress. Two
// users racing for the same battle see exactly one success; the loser gets
// ErrBattleNotFound, indistinguishable from a battle that never existed.
func (s *BattleService) Join(ctx context.Context, p domain.Principal, battleID string) (domain.Battle, error) {
	battle, err := s.battles.GetBattle(ctx, battleID)
	if err != nil {
		return domain.Battle{}, err
	}
	if battle.Player1ID == p.UserID {
		return domain.Battle{}, domain.ErrSelfJoin
	}

	joined, err := s.battles.JoinBattle(ctx, battleID, p.UserID, s.now())
	if err != nil {
		return domain.Battle{}, err
	}
	s.watch.Notify(joined)
	return joined, nil
}

// Start returns the battle's question set, materializing it on first call.
// Both participants call this independently and receive the same set; the
// correct-answer flags never leave the server.
func (s *BattleService) Start(ctx context.Context, p domain.Principal, battleID string) (domain.Battle, []domain.Question, error) {
	battle, err := s.battles.GetBattle(ctx, battleID)
	if err != nil {
		return domain.Battle{}, nil, err
	}
	if !isParticipant(battle, p.UserID) {
		return domain.Battle{}, nil, domain.ErrBattleNotFound
	}

	questions, err := s.sets.GetQuestionSet(ctx, battleID)
	if errors.Is(err, domain.ErrQuestionSetNotFound) {
		sampled, serr := s.source.SampleQuestions(ctx, battle.SubjectID, battle.TotalQuestions)
		if serr != nil {
			return domain.Battle{}, nil, serr
		}
		// A materialized set is never empty; a subject with no active
		// questions cannot back a battle.
		if len(sampled) == 0 {
			return domain.Battle{}, nil, domain.ErrQuestionNotFound
		}
		questions, err = s.battles.SaveQuestionSet(ctx, battleID, sampled)
	}
	if err != nil {
		return domain.Battle{}, nil, err
	}
	return battle, questions, nil
}

// AnswerInput is one answer event from a participant's client.
type AnswerInput struct {
	QuestionID     string
	OptionID       string
	ResponseTimeMs int
}

// SubmitAnswer scores the selected option server-side and appends an immutable
// response row. A duplicate submission for the same question is ignored and
// the first stored response is returned. Once the battle is completed no
// further responses are accepted; the result must aggregate a frozen set of
// rows or the Finish replay contract breaks.
func (s *BattleService) SubmitAnswer(ctx context.Context, p domain.Principal, battleID string, in AnswerInput) (domain.BattleResponse, error) {
	battle, err := s.battles.GetBattle(ctx, battleID)
	if err != nil {
		return domain.BattleResponse{}, err
	}
	if !isParticipant(battle, p.UserID) {
		return domain.BattleResponse{}, domain.ErrBattleNotFound
	}
	if battle.Status == domain.StatusCompleted {
		return domain.BattleResponse{}, domain.ErrBattleNotFound
	}

	questions, err := s.sets.GetQuestionSet(ctx, battleID)
	if errors.Is(err, domain.ErrQuestionSetNotFound) {
		return domain.BattleResponse{}, domain.ErrQuestionNotFound
	}
	if err != nil {
		return domain.BattleResponse{}, err
	}

	correct, err := scoreSelection(questions, in.QuestionID, in.OptionID)
	if err != nil {
		return domain.BattleResponse{}, err
	}

	resp := domain.BattleResponse{
		BattleID:       battleID,
		UserID:         p.UserID,
		QuestionID:     in.QuestionID,
		OptionID:       in.OptionID,
		Correct:        correct,
		ResponseTimeMs: clampResponseTime(in.ResponseTimeMs, battle.TimePerQuestion),
		CreatedAt:      s.now(),
	}
	return s.battles.SaveResponse(ctx, resp)
}

// Finish completes the battle, determines the winner, and bumps both
// participants' aggregate stats, all in one atomic region. The first call to
// observe a non-completed battle performs the transition; every later call is
// a no-op that returns the same result.
func (s *BattleService) Finish(ctx context.Context, p domain.Principal, battleID string) (domain.BattleResult, error) {
	current, err := s.battles.GetBattle(ctx, battleID)
	if err != nil {
		return domain.BattleResult{}, err
	}
	if !isParticipant(current, p.UserID) {
		return domain.BattleResult{}, domain.ErrBattleNotFound
	}

	battle, p1Resp, p2Resp, err := s.battles.AtomicFinish(ctx, battleID, s.now(),
		func(b domain.Battle, p1, p2 []domain.BattleResponse) string {
			return determineWinner(b, aggregate(b.Player1ID, p1), aggregate(b.Player2ID, p2))
		})
	if err != nil {
		return domain.BattleResult{}, err
	}

	result := domain.BattleResult{
		BattleID: battle.ID,
		WinnerID: battle.WinnerID,
		Player1:  aggregate(battle.Player1ID, p1Resp),
		Player2:  aggregate(battle.Player2ID, p2Resp),
	}
	s.watch.Notify(battle)
	return result, nil
}

// ListOpen returns battles still accepting or running play, newest first.
func (s *BattleService) ListOpen(ctx context.Context, _ domain.Principal) ([]domain.Battle, error) {
	return s.battles.ListOpenBattles(ctx)
}

// Stats reads the caller's aggregate battle totals.
func (s *BattleService) Stats(ctx context.Context, p domain.Principal) (domain.UserStats, error) {
	return s.battles.UserStats(ctx, p.UserID)
}

// Watch subscribes to status snapshots for one battle. The caller must invoke
// the returned cancel function to avoid leaks.
func (s *BattleService) Watch(ctx context.Context, battleID string) (<-chan domain.BattleEvent, func(), error) {
	battle, err := s.battles.GetBattle(ctx, battleID)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := s.watch.Subscribe(battle)
	return ch, cancel, nil
}

func isParticipant(b domain.Battle, userID string) bool {
	return b.Player1ID == userID || (b.Player2ID != "" && b.Player2ID == userID)
}

func clampResponseTime(ms, timePerQuestion int) int {
	if ms < 0 {
		return 0
	}
	if max := timePerQuestion * 1000; ms > max {
		return max
	}
	return ms
}

// scoreSelection validates the (question, option) pair against the battle's
// set and returns whether the option is flagged correct.
func scoreSelection(questions []domain.Question, questionID, optionID string) (bool, error) {
	var question *domain.Question
	for i := range questions {
		if questions[i].ID == questionID {
			question = &questions[i]
			break
		}
	}
	if question == nil {
		return false, domain.ErrQuestionNotFound
	}
	for _, opt := range question.Options {
		if opt.ID == optionID {
			return opt.Correct, nil
		}
	}
	return false, domain.ErrOptionNotFound
}

// aggregate folds a participant's responses into a score. A participant with
// no responses scores zero with zero average.
func aggregate(userID string, responses []domain.BattleResponse) domain.PlayerScore {
	score := domain.PlayerScore{UserID: userID}
	if len(responses) == 0 {
		return score
	}
	totalMs := 0
	for _, r := range responses {
		if r.Correct {
			score.CorrectCount++
		}
		totalMs += r.ResponseTimeMs
	}
	score.AvgResponseMs = int(math.Round(float64(totalMs) / float64(len(responses))))
	return score
}

// determineWinner applies the total order: more correct answers wins, a lower
// average response time breaks the tie, and a full tie goes to player2. The
// player2 fallback is a deliberate compatibility quirk; do not reorder.
func determineWinner(b domain.Battle, p1, p2 domain.PlayerScore) string {
	switch {
	case p1.CorrectCount > p2.CorrectCount:
		return b.Player1ID
	case p2.CorrectCount > p1.CorrectCount:
		return b.Player2ID
	case p1.AvgResponseMs < p2.AvgResponseMs:
		return b.Player1ID
	default:
		return b.Player2ID
	}
}
