package wasync

import (
	"strings"
	"sync"
)

// ConversationIdentity is one tenant-scoped logical conversation: the
// identity string as first seen plus every equivalent representation ever
// observed or derivable from it. The variant set is closed under
// CanonicalizeKey — deriving variants from any member yields the same set.
//
// The set grows on the owning session's event loop while the registry reads
// it to resolve keys, so access is guarded by an internal lock.
type ConversationIdentity struct {
	TenantID     string
	CanonicalKey string

	countryCode string

	mu       sync.RWMutex
	variants []string
	seen     map[string]bool
}

// NewConversationIdentity builds an identity from one external identifier.
// countryCode is the dialing prefix upstream producers inconsistently
// include (e.g. "55").
func NewConversationIdentity(tenantID, key, countryCode string) *ConversationIdentity {
	ci := &ConversationIdentity{
		TenantID:     tenantID,
		CanonicalKey: key,
		countryCode:  countryCode,
		seen:         make(map[string]bool),
	}
	for _, v := range CanonicalizeKey(key, countryCode) {
		ci.seen[v] = true
		ci.variants = append(ci.variants, v)
	}
	return ci
}

// AddVariant grows the variant set with a representation discovered in the
// store, plus everything derivable from it. Returns the newly added
// variants, in derivation order.
func (ci *ConversationIdentity) AddVariant(v string) []string {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	var added []string
	for _, cand := range CanonicalizeKey(v, ci.countryCode) {
		if ci.seen[cand] {
			continue
		}
		ci.seen[cand] = true
		ci.variants = append(ci.variants, cand)
		added = append(added, cand)
	}
	return added
}

// Contains reports whether the variant set already holds v.
func (ci *ConversationIdentity) Contains(v string) bool {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	return ci.seen[v]
}

// Variants returns a copy of the current variant set.
func (ci *ConversationIdentity) Variants() []string {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	return append([]string(nil), ci.variants...)
}

// CanonicalizeKey expands one contact identifier into every equivalent
// representation historically used in the message log: the raw string, the
// digits-only form, the digits with the country prefix added, and the digits
// with the prefix stripped. The result is the closure under those rules, so
// canonicalizing any returned variant yields a subset of the same set.
// Malformed input just yields a smaller set; minimum is the raw string.
func CanonicalizeKey(key, countryCode string) []string {
	seen := map[string]bool{key: true}
	out := []string{key}
	queue := []string{key}
	add := func(v string) {
		if v == "" || seen[v] {
			return
		}
		seen[v] = true
		out = append(out, v)
		queue = append(queue, v)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		digits := digitsOnly(cur)
		add(digits)
		if digits == "" || countryCode == "" {
			continue
		}
		if strings.HasPrefix(digits, countryCode) && len(digits) > len(countryCode) {
			add(digits[len(countryCode):])
		} else if !strings.HasPrefix(digits, countryCode) {
			add(countryCode + digits)
		}
	}
	return out
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
