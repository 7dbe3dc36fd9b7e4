package identity

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// VisitorKey is the fixed key under which the visitor id is persisted.
const VisitorKey = "chat.visitor_id"

// EnsureVisitorID returns the persisted visitor id, generating and
// storing a fresh UUID exactly once when none exists. The id represents
// one anonymous visitor across reconnects and is never regenerated
// unless the host clears the store.
func EnsureVisitorID(kv KV) (string, error) {
	id, err := kv.Get(VisitorKey)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return "", err
	}

	id = uuid.NewString()
	if err := kv.Set(VisitorKey, id); err != nil {
		return "", fmt.Errorf("persist visitor id: %w", err)
	}
	return id, nil
}
