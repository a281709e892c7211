package app_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"cbt-battle-service/internal/app"
	"cbt-battle-service/internal/domain"
	"cbt-battle-service/internal/infra/memory"

	"golang.org/x/sync/errgroup"
)

var (
	alice = domain.Principal{UserID: "u1", Role: "student"}
	bob   = domain.Principal{UserID: "u2", Role: "student"}
)

func TestCreateRequiresKnownSubject(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(10)

	_, err := service.Create(ctx, alice, app.CreateBattleInput{
		Title: "no such subject", SubjectID: "missing", TotalQuestions: 5, TimePerQuestion: 30,
	})
	if !errors.Is(err, domain.ErrSubjectNotFound) {
		t.Fatalf("expected subject error, got %v", err)
	}
}

func TestJoinRaceSingleWinner(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(10)
	battle := createBattle(t, service, alice, 5)

	const joiners = 8
	results := make([]error, joiners)
	var g errgroup.Group
	for i := 0; i < joiners; i++ {
		i := i
		g.Go(func() error {
			p := domain.Principal{UserID: fmt.Sprintf("joiner-%d", i)}
			_, err := service.Join(ctx, p, battle.ID)
			results[i] = err
			return nil
		})
	}
	_ = g.Wait()

	successes := 0
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, domain.ErrBattleNotFound):
		default:
			t.Fatalf("unexpected join error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one successful join, got %d", successes)
	}

	if _, _, err := service.Start(ctx, alice, battle.ID); err != nil {
		t.Fatalf("start after join: %v", err)
	}
}

func TestSelfJoinAlwaysRejected(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(10)
	battle := createBattle(t, service, alice, 5)

	if _, err := service.Join(ctx, alice, battle.ID); !errors.Is(err, domain.ErrSelfJoin) {
		t.Fatalf("expected self-join rejection while waiting, got %v", err)
	}

	if _, err := service.Join(ctx, bob, battle.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := service.Join(ctx, alice, battle.ID); !errors.Is(err, domain.ErrSelfJoin) {
		t.Fatalf("expected self-join rejection while in progress, got %v", err)
	}
}

func TestStartMaterializesOnce(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(10)
	battle := createBattle(t, service, alice, 5)
	joinBattle(t, service, bob, battle.ID)

	_, first, err := service.Start(ctx, alice, battle.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_, second, err := service.Start(ctx, bob, battle.ID)
	if err != nil {
		t.Fatalf("start by opponent: %v", err)
	}

	if len(first) != 5 {
		t.Fatalf("expected 5 questions, got %d", len(first))
	}
	if !reflect.DeepEqual(questionIDs(first), questionIDs(second)) {
		t.Fatalf("participants received different sets: %v vs %v", questionIDs(first), questionIDs(second))
	}
}

func TestStartDeniedToOutsiders(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(10)
	battle := createBattle(t, service, alice, 5)
	joinBattle(t, service, bob, battle.ID)

	outsider := domain.Principal{UserID: "u3"}
	if _, _, err := service.Start(ctx, outsider, battle.ID); !errors.Is(err, domain.ErrBattleNotFound) {
		t.Fatalf("expected coarse not-found for outsider, got %v", err)
	}
}

func TestQuestionSetDegradesBelowRequested(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(4)
	battle := createBattle(t, service, alice, 10)
	joinBattle(t, service, bob, battle.ID)

	_, questions, err := service.Start(ctx, alice, battle.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(questions) != 4 {
		t.Fatalf("expected the 4 available questions, got %d", len(questions))
	}
}

func TestSubmitAnswerScoresServerSide(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(10)
	battle := createBattle(t, service, alice, 3)
	joinBattle(t, service, bob, battle.ID)
	_, questions, err := service.Start(ctx, alice, battle.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	q := questions[0]
	right, err := service.SubmitAnswer(ctx, alice, battle.ID, app.AnswerInput{
		QuestionID: q.ID, OptionID: q.ID + "-right", ResponseTimeMs: 1500,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !right.Correct {
		t.Fatalf("expected correct answer")
	}

	wrong, err := service.SubmitAnswer(ctx, bob, battle.ID, app.AnswerInput{
		QuestionID: q.ID, OptionID: q.ID + "-wrong", ResponseTimeMs: 900,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if wrong.Correct {
		t.Fatalf("expected incorrect answer")
	}

	if _, err := service.SubmitAnswer(ctx, alice, battle.ID, app.AnswerInput{
		QuestionID: "not-in-set", OptionID: q.ID + "-right",
	}); !errors.Is(err, domain.ErrQuestionNotFound) {
		t.Fatalf("expected question error, got %v", err)
	}
	if _, err := service.SubmitAnswer(ctx, alice, battle.ID, app.AnswerInput{
		QuestionID: q.ID, OptionID: "bogus-option",
	}); !errors.Is(err, domain.ErrOptionNotFound) {
		t.Fatalf("expected option error, got %v", err)
	}
}

func TestDuplicateAnswerKeepsFirst(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(10)
	battle := createBattle(t, service, alice, 3)
	joinBattle(t, service, bob, battle.ID)
	_, questions, _ := service.Start(ctx, alice, battle.ID)
	q := questions[0]

	first, err := service.SubmitAnswer(ctx, alice, battle.ID, app.AnswerInput{
		QuestionID: q.ID, OptionID: q.ID + "-right", ResponseTimeMs: 1000,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := service.SubmitAnswer(ctx, alice, battle.ID, app.AnswerInput{
		QuestionID: q.ID, OptionID: q.ID + "-wrong", ResponseTimeMs: 5,
	})
	if err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}

	if !second.Correct || second.OptionID != first.OptionID || second.ResponseTimeMs != first.ResponseTimeMs {
		t.Fatalf("duplicate submission altered the stored response: first=%+v second=%+v", first, second)
	}
}

func TestResponseTimeClamped(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(10)
	battle := createBattle(t, service, alice, 3) // 30s per question
	joinBattle(t, service, bob, battle.ID)
	_, questions, _ := service.Start(ctx, alice, battle.ID)
	q := questions[0]

	resp, err := service.SubmitAnswer(ctx, alice, battle.ID, app.AnswerInput{
		QuestionID: q.ID, OptionID: q.ID + "-right", ResponseTimeMs: 10_000_000,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.ResponseTimeMs != 30_000 {
		t.Fatalf("expected clamp to 30000ms, got %d", resp.ResponseTimeMs)
	}

	resp, err = service.SubmitAnswer(ctx, bob, battle.ID, app.AnswerInput{
		QuestionID: q.ID, OptionID: q.ID + "-right", ResponseTimeMs: -50,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.ResponseTimeMs != 0 {
		t.Fatalf("expected negative time clamped to 0, got %d", resp.ResponseTimeMs)
	}
}

func TestWinnerDetermination(t *testing.T) {
	cases := []struct {
		name       string
		p1         []answer
		p2         []answer
		wantWinner string
	}{
		{
			name:       "more correct answers wins",
			p1:         answers(8, 2, 1000),
			p2:         answers(5, 5, 1000),
			wantWinner: "u1",
		},
		{
			name:       "tie broken by faster average",
			p1:         answers(5, 0, 1200),
			p2:         answers(5, 0, 900),
			wantWinner: "u2",
		},
		{
			name:       "full tie goes to player2",
			p1:         answers(5, 0, 1000),
			p2:         answers(5, 0, 1000),
			wantWinner: "u2",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := playBattle(t, tc.p1, tc.p2)
			if result.WinnerID != tc.wantWinner {
				t.Fatalf("expected winner %s, got %s (p1=%+v p2=%+v)",
					tc.wantWinner, result.WinnerID, result.Player1, result.Player2)
			}
		})
	}
}

func TestFinishIdempotent(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(10)
	battle := createBattle(t, service, alice, 3)
	joinBattle(t, service, bob, battle.ID)
	_, questions, _ := service.Start(ctx, alice, battle.ID)

	submit(t, service, alice, battle.ID, questions[0], true, 1000)
	submit(t, service, bob, battle.ID, questions[0], false, 800)

	first, err := service.Finish(ctx, alice, battle.ID)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	second, err := service.Finish(ctx, bob, battle.ID)
	if err != nil {
		t.Fatalf("second finish: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("finish not idempotent: first=%+v second=%+v", first, second)
	}

	for _, p := range []domain.Principal{alice, bob} {
		stats, err := service.Stats(ctx, p)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.BattlesPlayed != 1 {
			t.Fatalf("expected %s played once, got %d", p.UserID, stats.BattlesPlayed)
		}
	}
	winnerStats, _ := service.Stats(ctx, alice)
	if winnerStats.BattlesWon != 1 {
		t.Fatalf("expected winner credited once, got %d", winnerStats.BattlesWon)
	}
	loserStats, _ := service.Stats(ctx, bob)
	if loserStats.BattlesWon != 0 {
		t.Fatalf("expected loser uncredited, got %d", loserStats.BattlesWon)
	}
}

func TestConcurrentFinishIncrementsStatsOnce(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(10)
	battle := createBattle(t, service, alice, 3)
	joinBattle(t, service, bob, battle.ID)
	_, questions, _ := service.Start(ctx, alice, battle.ID)
	submit(t, service, alice, battle.ID, questions[0], true, 1000)

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		caller := alice
		if i%2 == 1 {
			caller = bob
		}
		g.Go(func() error {
			_, err := service.Finish(ctx, caller, battle.ID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent finish: %v", err)
	}

	stats, _ := service.Stats(ctx, alice)
	if stats.BattlesPlayed != 1 || stats.BattlesWon != 1 {
		t.Fatalf("expected exactly one increment, got %+v", stats)
	}
}

func TestSubmitAfterFinishRejected(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(10)
	battle := createBattle(t, service, alice, 3)
	joinBattle(t, service, bob, battle.ID)
	_, questions, _ := service.Start(ctx, alice, battle.ID)

	submit(t, service, alice, battle.ID, questions[0], true, 1000)
	submit(t, service, bob, battle.ID, questions[0], false, 800)

	first, err := service.Finish(ctx, alice, battle.ID)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}

	if _, err := service.SubmitAnswer(ctx, bob, battle.ID, app.AnswerInput{
		QuestionID: questions[1].ID, OptionID: questions[1].ID + "-right", ResponseTimeMs: 450,
	}); !errors.Is(err, domain.ErrBattleNotFound) {
		t.Fatalf("expected completed battle to reject answers, got %v", err)
	}

	second, err := service.Finish(ctx, bob, battle.ID)
	if err != nil {
		t.Fatalf("replayed finish: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("late answer changed the stored result: first=%+v second=%+v", first, second)
	}
}

func TestStartFailsWhenSubjectHasNoQuestions(t *testing.T) {
	ctx := context.Background()
	store := memory.NewBattleStore()
	source := memory.NewQuestionSource(
		[]domain.Subject{{ID: "subject-1", Name: "Empty"}},
		map[string][]domain.Question{},
	)
	sets := memory.NewQuestionSetRepository(store, time.Minute)
	service := app.NewBattleService(store, source, sets, app.NewWatchHub())

	battle := createBattle(t, service, alice, 5)
	joinBattle(t, service, bob, battle.ID)

	if _, _, err := service.Start(ctx, alice, battle.ID); !errors.Is(err, domain.ErrQuestionNotFound) {
		t.Fatalf("expected error for a subject with no questions, got %v", err)
	}
	// Nothing was materialized; a retry fails the same way.
	if _, _, err := service.Start(ctx, bob, battle.ID); !errors.Is(err, domain.ErrQuestionNotFound) {
		t.Fatalf("expected the retry to fail identically, got %v", err)
	}
}

func TestFinishRejectsWaitingBattle(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(10)
	battle := createBattle(t, service, alice, 3)

	if _, err := service.Finish(ctx, alice, battle.ID); !errors.Is(err, domain.ErrBattleNotFound) {
		t.Fatalf("expected not-found for unjoined battle, got %v", err)
	}
}

func TestStatsMonotonic(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(10)

	for i := 0; i < 3; i++ {
		battle := createBattle(t, service, alice, 3)
		joinBattle(t, service, bob, battle.ID)
		_, questions, _ := service.Start(ctx, alice, battle.ID)
		submit(t, service, alice, battle.ID, questions[0], true, 1000)
		if _, err := service.Finish(ctx, alice, battle.ID); err != nil {
			t.Fatalf("finish: %v", err)
		}
	}

	for _, p := range []domain.Principal{alice, bob} {
		stats, err := service.Stats(ctx, p)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.BattlesPlayed != 3 {
			t.Fatalf("expected 3 battles for %s, got %d", p.UserID, stats.BattlesPlayed)
		}
		if stats.BattlesWon > stats.BattlesPlayed {
			t.Fatalf("battles won exceeds battles played: %+v", stats)
		}
	}
}

func TestWatchReceivesTransitions(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(10)
	battle := createBattle(t, service, alice, 3)

	events, cancel, err := service.Watch(ctx, battle.ID)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer cancel()

	if ev := <-events; ev.Status != domain.StatusWaiting {
		t.Fatalf("expected initial waiting snapshot, got %+v", ev)
	}

	joinBattle(t, service, bob, battle.ID)
	if ev := <-events; ev.Status != domain.StatusInProgress || ev.Player2ID != "u2" {
		t.Fatalf("expected in-progress event with player2, got %+v", ev)
	}

	_, questions, _ := service.Start(ctx, alice, battle.ID)
	submit(t, service, alice, battle.ID, questions[0], true, 1000)
	if _, err := service.Finish(ctx, alice, battle.ID); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if ev := <-events; ev.Status != domain.StatusCompleted || ev.WinnerID != "u1" {
		t.Fatalf("expected completed event with winner, got %+v", ev)
	}
}

// answer describes one scripted submission for playBattle.
type answer struct {
	correct bool
	timeMs  int
}

func answers(correct, wrong, timeMs int) []answer {
	out := make([]answer, 0, correct+wrong)
	for i := 0; i < correct; i++ {
		out = append(out, answer{correct: true, timeMs: timeMs})
	}
	for i := 0; i < wrong; i++ {
		out = append(out, answer{correct: false, timeMs: timeMs})
	}
	return out
}

// playBattle runs a full battle where each player submits their scripted
// answers, and returns the finish result.
func playBattle(t *testing.T, p1, p2 []answer) domain.BattleResult {
	t.Helper()
	ctx := context.Background()
	service, _ := newTestService(12)

	total := len(p1)
	if len(p2) > total {
		total = len(p2)
	}
	battle := createBattle(t, service, alice, total)
	joinBattle(t, service, bob, battle.ID)
	_, questions, err := service.Start(ctx, alice, battle.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	for i, a := range p1 {
		submit(t, service, alice, battle.ID, questions[i], a.correct, a.timeMs)
	}
	for i, a := range p2 {
		submit(t, service, bob, battle.ID, questions[i], a.correct, a.timeMs)
	}

	result, err := service.Finish(ctx, alice, battle.ID)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	return result
}

func submit(t *testing.T, service *app.BattleService, p domain.Principal, battleID string, q domain.Question, correct bool, timeMs int) {
	t.Helper()
	suffix := "-wrong"
	if correct {
		suffix = "-right"
	}
	if _, err := service.SubmitAnswer(context.Background(), p, battleID, app.AnswerInput{
		QuestionID: q.ID, OptionID: q.ID + suffix, ResponseTimeMs: timeMs,
	}); err != nil {
		t.Fatalf("submit answer: %v", err)
	}
}

func createBattle(t *testing.T, service *app.BattleService, p domain.Principal, total int) domain.Battle {
	t.Helper()
	battle, err := service.Create(context.Background(), p, app.CreateBattleInput{
		Title:           "test battle",
		SubjectID:       "subject-1",
		TotalQuestions:  total,
		TimePerQuestion: 30,
	})
	if err != nil {
		t.Fatalf("create battle: %v", err)
	}
	return battle
}

func joinBattle(t *testing.T, service *app.BattleService, p domain.Principal, battleID string) {
	t.Helper()
	if _, err := service.Join(context.Background(), p, battleID); err != nil {
		t.Fatalf("join battle: %v", err)
	}
}

func questionIDs(questions []domain.Question) []string {
	ids := make([]string, len(questions))
	for i, q := range questions {
		ids[i] = q.ID
	}
	return ids
}

// newTestService builds the engine on the in-memory infrastructure with a
// bank of questionCount questions under "subject-1". Each question "qN" has
// options "qN-right" (correct) and "qN-wrong".
func newTestService(questionCount int) (*app.BattleService, *memory.BattleStore) {
	store := memory.NewBattleStore()
	questions := make([]domain.Question, 0, questionCount)
	for i := 1; i <= questionCount; i++ {
		id := fmt.Sprintf("q%d", i)
		questions = append(questions, domain.Question{
			ID: id, Text: "question " + id, Type: "multiple_choice", Difficulty: "medium", Points: 1,
			Options: []domain.Option{
				{ID: id + "-right", Text: "right", Order: 1, Correct: true},
				{ID: id + "-wrong", Text: "wrong", Order: 2},
			},
		})
	}
	source := memory.NewQuestionSource(
		[]domain.Subject{{ID: "subject-1", Name: "Testing"}},
		map[string][]domain.Question{"subject-1": questions},
	)
	sets := memory.NewQuestionSetRepository(store, 5*time.Minute)
	return app.NewBattleService(store, source, sets, app.NewWatchHub()), store
}
