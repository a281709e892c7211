package app

import (
	"sync"
	"time"

	"cbt-battle-service/internal/domain"
)

// WatchHub fans battle status snapshots out to in-process subscribers. The
// engine notifies it after Join and Finish so a waiting creator does not have
// to poll to learn an opponent arrived.
type WatchHub struct {
	now func() time.Time

	mu       sync.Mutex
	watchers map[string]map[chan domain.BattleEvent]struct{}
}

func NewWatchHub() *WatchHub {
	return &WatchHub{
		now:      time.Now,
		watchers: make(map[string]map[chan domain.BattleEvent]struct{}),
	}
}

// Subscribe registers a watcher for one battle and delivers an initial
// snapshot immediately. The cancel function must be called to release the
// channel.
func (h *WatchHub) Subscribe(battle domain.Battle) (<-chan domain.BattleEvent, func()) {
	ch := make(chan domain.BattleEvent, 8)

	h.mu.Lock()
	set, ok := h.watchers[battle.ID]
	if !ok {
		set = make(map[chan domain.BattleEvent]struct{})
		h.watchers[battle.ID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	ch <- h.event(battle)

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.watchers[battle.ID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(h.watchers, battle.ID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Notify pushes the battle's current state to its watchers. Slow watchers have
// their stale snapshot replaced rather than blocking the caller.
func (h *WatchHub) Notify(battle domain.Battle) {
	ev := h.event(battle)

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.watchers[battle.ID] {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
	}
}

func (h *WatchHub) event(battle domain.Battle) domain.BattleEvent {
	return domain.BattleEvent{
		BattleID:  battle.ID,
		Status:    battle.Status,
		Player2ID: battle.Player2ID,
		WinnerID:  battle.WinnerID,
		At:        h.now(),
	}
}
