package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"cbt-battle-service/internal/domain"
)

// BattleStore is an in-memory implementation of app.BattleStore. A single
// mutex stands in for the transactional boundary a SQL store gets from the
// database; the conditional join and the finish region both run under it.
type BattleStore struct {
	mu        sync.Mutex
	battles   map[string]domain.Battle
	sets      map[string][]domain.Question
	responses map[string]map[responseKey]domain.BattleResponse
	stats     map[string]domain.UserStats
}

type responseKey struct {
	userID     string
	questionID string
}

func NewBattleStore() *BattleStore {
	return &BattleStore{
		battles:   make(map[string]domain.Battle),
		sets:      make(map[string][]domain.Question),
		responses: make(map[string]map[responseKey]domain.BattleResponse),
		stats:     make(map[string]domain.UserStats),
	}
}

func (s *BattleStore) CreateBattle(_ context.Context, battle domain.Battle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.battles[battle.ID] = battle
	return nil
}

func (s *BattleStore) GetBattle(_ context.Context, battleID string) (domain.Battle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	battle, ok := s.battles[battleID]
	if !ok {
		return domain.Battle{}, domain.ErrBattleNotFound
	}
	return battle, nil
}

func (s *BattleStore) ListOpenBattles(_ context.Context) ([]domain.Battle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := make([]domain.Battle, 0)
	for _, b := range s.battles {
		if b.Status == domain.StatusWaiting || b.Status == domain.StatusInProgress {
			open = append(open, b)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		return open[i].CreatedAt.After(open[j].CreatedAt)
	})
	return open, nil
}

func (s *BattleStore) JoinBattle(_ context.Context, battleID, userID string, at time.Time) (domain.Battle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	battle, ok := s.battles[battleID]
	if !ok || battle.Status != domain.StatusWaiting || battle.Player2ID != "" || battle.Player1ID == userID {
		return domain.Battle{}, domain.ErrBattleNotFound
	}
	battle.Player2ID = userID
	battle.Status = domain.StatusInProgress
	started := at
	battle.StartedAt = &started
	s.battles[battleID] = battle
	return battle, nil
}

func (s *BattleStore) SaveQuestionSet(_ context.Context, battleID string, questions []domain.Question) ([]domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.sets[battleID]; ok {
		return stored, nil
	}
	stored := make([]domain.Question, len(questions))
	copy(stored, questions)
	s.sets[battleID] = stored
	return stored, nil
}

func (s *BattleStore) LoadQuestionSet(_ context.Context, battleID string) ([]domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sets[battleID]
	if !ok {
		return nil, domain.ErrQuestionSetNotFound
	}
	return stored, nil
}

func (s *BattleStore) SaveResponse(_ context.Context, resp domain.BattleResponse) (domain.BattleResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if battle, ok := s.battles[resp.BattleID]; ok && battle.Status == domain.StatusCompleted {
		return domain.BattleResponse{}, domain.ErrBattleNotFound
	}
	byKey, ok := s.responses[resp.BattleID]
	if !ok {
		byKey = make(map[responseKey]domain.BattleResponse)
		s.responses[resp.BattleID] = byKey
	}
	key := responseKey{userID: resp.UserID, questionID: resp.QuestionID}
	if stored, ok := byKey[key]; ok {
		return stored, nil
	}
	byKey[key] = resp
	return resp, nil
}

func (s *BattleStore) ListResponses(_ context.Context, battleID, userID string) ([]domain.BattleResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listResponsesLocked(battleID, userID), nil
}

func (s *BattleStore) listResponsesLocked(battleID, userID string) []domain.BattleResponse {
	out := make([]domain.BattleResponse, 0)
	for _, resp := range s.responses[battleID] {
		if resp.UserID == userID {
			out = append(out, resp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *BattleStore) AtomicFinish(_ context.Context, battleID string, at time.Time,
	pickWinner func(b domain.Battle, p1, p2 []domain.BattleResponse) string,
) (domain.Battle, []domain.BattleResponse, []domain.BattleResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	battle, ok := s.battles[battleID]
	if !ok || battle.Status == domain.StatusWaiting {
		return domain.Battle{}, nil, nil, domain.ErrBattleNotFound
	}

	p1 := s.listResponsesLocked(battleID, battle.Player1ID)
	p2 := s.listResponsesLocked(battleID, battle.Player2ID)

	if battle.Status == domain.StatusCompleted {
		return battle, p1, p2, nil
	}

	winnerID := pickWinner(battle, p1, p2)
	battle.Status = domain.StatusCompleted
	battle.WinnerID = winnerID
	ended := at
	battle.EndedAt = &ended
	s.battles[battleID] = battle

	for _, userID := range []string{battle.Player1ID, battle.Player2ID} {
		stat := s.stats[userID]
		stat.UserID = userID
		stat.BattlesPlayed++
		if userID == winnerID {
			stat.BattlesWon++
		}
		s.stats[userID] = stat
	}
	return battle, p1, p2, nil
}

func (s *BattleStore) UserStats(_ context.Context, userID string) (domain.UserStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stat, ok := s.stats[userID]
	if !ok {
		return domain.UserStats{UserID: userID}, nil
	}
	return stat, nil
}
