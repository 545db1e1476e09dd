// Package session maps a (chat, sender) pair to the conversation key used
// by the conversation store and the AI backend.
package session

import "sync"

// Key derives the default session key for a sender in a chat: the chat ID
// immediately followed by the sender ID, with no separator. Two different
// pairs can in principle produce the same key (for example "ab"+"c" and
// "a"+"bc"); platform IDs are fixed-width prefixed tokens in practice, and
// keeping the plain concatenation keeps existing stored sessions readable.
func Key(chatID, senderID string) string {
	return chatID + senderID
}

// Resolver resolves session keys and remembers the session ID an AI backend
// reported for a pair, so follow-up questions continue the backend's own
// session. It is safe for concurrent use.
type Resolver struct {
	mu      sync.RWMutex
	aliases map[string]string // Key(chat, sender) -> AI-reported session ID
}

// NewResolver returns an empty Resolver.
func NewResolver() *Resolver {
	return &Resolver{aliases: make(map[string]string)}
}

// Resolve returns the bound AI session ID for the pair, or Key(chat, sender).
func (r *Resolver) Resolve(chatID, senderID string) string {
	key := Key(chatID, senderID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if alias, ok := r.aliases[key]; ok {
		return alias
	}
	return key
}

// Bind records aiSessionID as the session for the pair. An empty ID or one
// equal to the derived key removes any existing binding.
func (r *Resolver) Bind(chatID, senderID, aiSessionID string) {
	key := Key(chatID, senderID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if aiSessionID == "" || aiSessionID == key {
		delete(r.aliases, key)
		return
	}
	r.aliases[key] = aiSessionID
}

// Forget drops any binding for the pair.
func (r *Resolver) Forget(chatID, senderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.aliases, Key(chatID, senderID))
}

// Bindings reports how many pairs currently carry an AI session ID.
func (r *Resolver) Bindings() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.aliases)
}
