package domain

import "time"

// BattleStatus tracks a battle through its three lifecycle states.
type BattleStatus string

const (
	// StatusWaiting means the battle has a creator but no opponent yet.
	StatusWaiting BattleStatus = "waiting"
	// StatusInProgress means both players are bound and play is underway.
	StatusInProgress BattleStatus = "in_progress"
	// StatusCompleted is terminal; a winner has been recorded.
	StatusCompleted BattleStatus = "completed"
)

// Principal is the verified acting user resolved from a bearer credential.
type Principal struct {
	UserID string
	Role   string
}

// Subject groups the questions a battle draws from.
type Subject struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Battle is a single two-player challenge instance.
//
// Player2ID and WinnerID are empty until a join and a finish respectively;
// StartedAt/EndedAt are nil for the same reason.
type Battle struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	SubjectID       string       `json:"subjectId"`
	SubjectName     string       `json:"subjectName,omitempty"`
	TotalQuestions  int          `json:"totalQuestions"`
	TimePerQuestion int          `json:"timePerQuestion"` // seconds
	Status          BattleStatus `json:"status"`
	CreatedBy       string       `json:"createdBy"`
	Player1ID       string       `json:"player1Id"`
	Player2ID       string       `json:"player2Id,omitempty"`
	WinnerID        string       `json:"winnerId,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	StartedAt       *time.Time   `json:"startedAt,omitempty"`
	EndedAt         *time.Time   `json:"endedAt,omitempty"`
}

// Option is a possible answer. Correct stays server-side and is never
// serialized to clients; correctness is only revealed through SubmitAnswer.
type Option struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Order int    `json:"order"`

	Correct bool `json:"-"`
}

// Question is one entry of a battle's materialized question set.
type Question struct {
	ID         string   `json:"id"`
	Text       string   `json:"text"`
	Type       string   `json:"type"`
	Difficulty string   `json:"difficulty"`
	Points     int      `json:"points"`
	Options    []Option `json:"options"`
}

// BattleResponse is one immutable answer event for (battle, user, question).
type BattleResponse struct {
	BattleID       string    `json:"battleId"`
	UserID         string    `json:"userId"`
	QuestionID     string    `json:"questionId"`
	OptionID       string    `json:"optionId"`
	Correct        bool      `json:"correct"`
	ResponseTimeMs int       `json:"responseTimeMs"`
	CreatedAt      time.Time `json:"createdAt"`
}

// PlayerScore aggregates one participant's responses for a battle.
type PlayerScore struct {
	UserID        string `json:"userId"`
	CorrectCount  int    `json:"correctCount"`
	AvgResponseMs int    `json:"avgResponseMs"`
}

// BattleResult is the outcome returned by Finish.
type BattleResult struct {
	BattleID string      `json:"battleId"`
	WinnerID string      `json:"winnerId"`
	Player1  PlayerScore `json:"player1"`
	Player2  PlayerScore `json:"player2"`
}

// UserStats are per-user running totals, bumped only when a battle completes.
type UserStats struct {
	UserID        string `json:"userId"`
	BattlesPlayed int    `json:"battlesPlayed"`
	BattlesWon    int    `json:"battlesWon"`
}

// BattleEvent is a status snapshot pushed to battle watchers.
type BattleEvent struct {
	BattleID  string       `json:"battleId"`
	Status    BattleStatus `json:"status"`
	Player2ID string       `json:"player2Id,omitempty"`
	WinnerID  string       `json:"winnerId,omitempty"`
	At        time.Time    `json:"at"`
}
