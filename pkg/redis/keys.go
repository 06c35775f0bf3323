package redis

import "fmt"

// Key construction helpers for per-space engine state.

// DebounceKey returns the key for a space's debounce state (hash)
// Pattern: debounce:{space_id}
func DebounceKey(spaceID string) string {
	return fmt.Sprintf("debounce:%s", spaceID)
}

// LastDecisionKey returns the key for a space's last computed decision (JSON string)
// Pattern: decision:last:{space_id}
func LastDecisionKey(spaceID string) string {
	return fmt.Sprintf("decision:last:%s", spaceID)
}
