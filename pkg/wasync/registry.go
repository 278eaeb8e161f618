// wasync - Conversation synchronization engine for the LeadWire CRM.
// Copyright (C) 2026 LeadWire
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package wasync

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Registry is the explicit session lifecycle owner: a mapping from
// conversation identity to the one live SyncSession for it. There is no
// package-level state; the application layer holds one Registry per store.
type Registry struct {
	store        ConversationStore
	materializer AttachmentMaterializer
	cfg          *Config
	log          zerolog.Logger

	mu       sync.Mutex
	sessions map[string][]*SyncSession // keyed by tenant id
}

func NewRegistry(store ConversationStore, materializer AttachmentMaterializer, cfg *Config, log zerolog.Logger) *Registry {
	return &Registry{
		store:        store,
		materializer: materializer,
		cfg:          cfg,
		log:          log.With().Str("component", "registry").Logger(),
		sessions:     make(map[string][]*SyncSession),
	}
}

// Open returns the live session for the given identity, starting one if
// none exists. Two keys that canonicalize into overlapping variant sets
// resolve to the same session. Open returns once the session is Loading;
// callers observe Live through the change-notification channel.
func (r *Registry) Open(ctx context.Context, tenantID, key string) *SyncSession {
	variants := CanonicalizeKey(key, r.cfg.CountryCode)

	r.mu.Lock()
	defer r.mu.Unlock()
	live := r.sessions[tenantID][:0]
	var found *SyncSession
	for _, s := range r.sessions[tenantID] {
		if s.State() == StateClosed {
			continue
		}
		live = append(live, s)
		if found == nil {
			for _, v := range variants {
				if s.identity.Contains(v) {
					found = s
					break
				}
			}
		}
	}
	if found != nil {
		r.sessions[tenantID] = live
		return found
	}

	identity := NewConversationIdentity(tenantID, key, r.cfg.CountryCode)
	session := newSyncSession(ctx, identity, r.store, r.materializer, r.cfg.ReconcilePeriod(), r.log)
	r.sessions[tenantID] = append(live, session)
	r.log.Debug().
		Str("tenant_id", tenantID).
		Str("conversation", key).
		Strs("variants", identity.Variants()).
		Msg("Opening sync session")
	session.start()
	return session
}

// Close closes the session for the given identity, if one is live.
func (r *Registry) Close(tenantID, key string) {
	variants := CanonicalizeKey(key, r.cfg.CountryCode)
	r.mu.Lock()
	var target *SyncSession
	kept := r.sessions[tenantID][:0]
	for _, s := range r.sessions[tenantID] {
		matched := false
		if target == nil {
			for _, v := range variants {
				if s.identity.Contains(v) {
					matched = true
					break
				}
			}
		}
		if matched {
			target = s
		} else if s.State() != StateClosed {
			kept = append(kept, s)
		}
	}
	r.sessions[tenantID] = kept
	r.mu.Unlock()
	if target != nil {
		target.Close()
	}
}

// CloseAll closes every live session. Used on application shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	var all []*SyncSession
	for tenant, sessions := range r.sessions {
		all = append(all, sessions...)
		delete(r.sessions, tenant)
	}
	r.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}
