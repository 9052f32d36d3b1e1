package utils

import (
	"strings"
	"sync"
)

// KeyTracker remembers composite keys already seen during a run
type KeyTracker struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewKeyTracker() *KeyTracker {
	return &KeyTracker{seen: make(map[string]struct{})}
}

// Add reports whether the key made of parts is new. Parts are trimmed, so
// " F0689" and "F0689" are the same key.
func (t *KeyTracker) Add(parts ...string) bool {
	key := joinKey(parts)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.seen[key]; exists {
		return false
	}
	t.seen[key] = struct{}{}
	return true
}

// Len is the number of distinct keys
func (t *KeyTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

func joinKey(parts []string) string {
	trimmed := make([]string, len(parts))
	for i, p := range parts {
		trimmed[i] = strings.TrimSpace(p)
	}
	// unit separator never shows up in CMS text fields
	return strings.Join(trimmed, "\x1f")
}
