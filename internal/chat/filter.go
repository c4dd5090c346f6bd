package chat

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tullo/livecore/internal/models"
)

// pruneAbove bounds the per-user history map before stale users are dropped.
const pruneAbove = 1024

type recentMsg struct {
	body string
	ts   time.Time
}

// Filter rejects messages containing banned words and repeated identical
// messages from one user inside a short window.
type Filter struct {
	bannedWords []string
	repeats     int
	window      time.Duration

	mu     sync.Mutex
	recent map[uuid.UUID][]recentMsg
}

// NewFilter creates a filter. repeats <= 0 disables spam detection.
func NewFilter(bannedWords []string, repeats int, window time.Duration) *Filter {
	words := make([]string, 0, len(bannedWords))
	for _, w := range bannedWords {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			words = append(words, w)
		}
	}
	return &Filter{
		bannedWords: words,
		repeats:     repeats,
		window:      window,
		recent:      make(map[uuid.UUID][]recentMsg),
	}
}

// Check returns an ErrInvalidMessage error when body must be dropped.
func (f *Filter) Check(userID uuid.UUID, body string, now time.Time) error {
	lower := strings.ToLower(body)
	for _, bw := range f.bannedWords {
		if strings.Contains(lower, bw) {
			return fmt.Errorf("%w: contains a banned word", models.ErrInvalidMessage)
		}
	}

	if f.repeats <= 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.recent) > pruneAbove {
		f.pruneLocked(now)
	}

	kept := f.recent[userID][:0]
	repeatCount := 0
	for _, rm := range f.recent[userID] {
		if now.Sub(rm.ts) <= f.window {
			kept = append(kept, rm)
			if rm.body == body {
				repeatCount++
			}
		}
	}
	kept = append(kept, recentMsg{body: body, ts: now})
	f.recent[userID] = kept

	if repeatCount >= f.repeats {
		return fmt.Errorf("%w: repeated message", models.ErrInvalidMessage)
	}
	return nil
}

func (f *Filter) pruneLocked(now time.Time) {
	for id, arr := range f.recent {
		if len(arr) == 0 || now.Sub(arr[len(arr)-1].ts) > f.window {
			delete(f.recent, id)
		}
	}
}
