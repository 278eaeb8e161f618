// wasync - Conversation synchronization engine for the LeadWire CRM.
// Copyright (C) 2026 LeadWire
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package wasync

import (
	"sort"
	"sync"
)

// ConversationView is the externally observable, ordered, deduplicated
// sequence of NormalizedMessages for one conversation. The owning
// SyncSession is the only writer; the UI layer reads snapshots and
// subscribes to version-change notifications. The version counter increases
// by exactly one per mutation, so consumers detect updates without
// re-diffing.
type ConversationView struct {
	mu       sync.RWMutex
	msgs     []*NormalizedMessage
	index    map[string]int
	version  uint64
	onChange []func(version uint64)
}

func newConversationView() *ConversationView {
	return &ConversationView{index: make(map[string]int)}
}

// Snapshot returns a copy of the ordered message sequence and the view
// version it corresponds to.
func (v *ConversationView) Snapshot() ([]NormalizedMessage, uint64) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]NormalizedMessage, len(v.msgs))
	for i, m := range v.msgs {
		out[i] = *m.clone()
	}
	return out, v.version
}

// Version returns the current version counter.
func (v *ConversationView) Version() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.version
}

// Len returns the number of messages currently in the view.
func (v *ConversationView) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.msgs)
}

// OnChange registers a callback invoked with the new version after every
// mutation. Callbacks run synchronously on the session's merge goroutine
// and must not block.
func (v *ConversationView) OnChange(fn func(version uint64)) {
	v.mu.Lock()
	v.onChange = append(v.onChange, fn)
	v.mu.Unlock()
}

// notify invokes the change callbacks with the current version without a
// mutation. Used for lifecycle transitions that change nothing in the view,
// like going live on an empty conversation.
func (v *ConversationView) notify() {
	v.mu.RLock()
	version := v.version
	callbacks := append([]func(uint64){}, v.onChange...)
	v.mu.RUnlock()
	for _, fn := range callbacks {
		fn(version)
	}
}

// mergeBatch inserts every message whose id is not already present, then
// re-sorts by (timestamp, id). First-seen wins: existing entries are never
// touched, duplicates within the batch collapse to the first occurrence.
// One version bump covers the whole batch; a batch that adds nothing does
// not bump. Returns the newly inserted messages.
func (v *ConversationView) mergeBatch(msgs []*NormalizedMessage) []*NormalizedMessage {
	v.mu.Lock()
	var added []*NormalizedMessage
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if _, ok := v.index[m.ID]; ok {
			continue
		}
		v.index[m.ID] = -1 // position fixed up after the sort
		v.msgs = append(v.msgs, m)
		added = append(added, m)
	}
	if len(added) == 0 {
		v.mu.Unlock()
		return nil
	}
	sort.SliceStable(v.msgs, func(i, j int) bool {
		a, b := v.msgs[i], v.msgs[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
	for i, m := range v.msgs {
		v.index[m.ID] = i
	}
	v.version++
	version := v.version
	callbacks := append([]func(uint64){}, v.onChange...)
	v.mu.Unlock()

	for _, fn := range callbacks {
		fn(version)
	}
	return added
}

// patchLocator transitions the attachment of the message with the given id
// from pending to a durable reference. No-op (and no version bump) if the
// message is absent, has no attachment, or is already materialized with the
// same locator. The message keeps its slot: no entry is added or moved.
func (v *ConversationView) patchLocator(id, locator string) bool {
	v.mu.Lock()
	i, ok := v.index[id]
	if !ok || i < 0 || v.msgs[i].Attachment == nil {
		v.mu.Unlock()
		return false
	}
	att := v.msgs[i].Attachment
	if att.Locator == locator {
		v.mu.Unlock()
		return false
	}
	att.Locator = locator
	att.Inline = nil
	v.version++
	version := v.version
	callbacks := append([]func(uint64){}, v.onChange...)
	v.mu.Unlock()

	for _, fn := range callbacks {
		fn(version)
	}
	return true
}
