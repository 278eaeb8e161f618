// wasync - Conversation synchronization engine for the LeadWire CRM.
// Copyright (C) 2026 LeadWire
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package pgstore is a Postgres-backed ConversationStore. Appends NOTIFY a
// shared channel; one pq.Listener per store fans notifications out to the
// per-variant subscriptions.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/leadwire/wasync/pkg/wasync"
)

const (
	notifyChannel = "wasync_message_log"

	// Postgres rejects NOTIFY payloads near 8000 bytes. Larger records are
	// announced by key only and re-fetched by the listener.
	maxNotifyPayload = 7000

	listenerMinReconnect = 2 * time.Second
	listenerMaxReconnect = time.Minute
)

// notifyEnvelope is the JSON shape sent over NOTIFY. Payload is omitted for
// oversized and non-JSON records; the listener re-fetches those by key.
type notifyEnvelope struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	IdentityVariant string          `json:"identity_variant"`
	CreatedAtMS     int64           `json:"created_at_ms"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

type Store struct {
	db       *sql.DB
	listener *pq.Listener
	log      zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once

	subsMu    sync.Mutex
	subs      map[uint64]*subscription
	nextSubID uint64
}

var _ wasync.ConversationStore = (*Store)(nil)
var _ wasync.Appender = (*Store)(nil)
var _ wasync.AttachmentRewriter = (*Store)(nil)

// New connects to Postgres, bootstraps the schema and starts listening for
// appends.
func New(dsn string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	log = log.With().Str("component", "pgstore").Logger()
	s := &Store{
		db:   db,
		log:  log,
		done: make(chan struct{}),
		subs: make(map[uint64]*subscription),
	}
	if err = s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.listener = pq.NewListener(dsn, listenerMinReconnect, listenerMaxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Int("event", int(ev)).Msg("Postgres listener event")
		}
	})
	if err = s.listener.Listen(notifyChannel); err != nil {
		_ = s.listener.Close()
		_ = db.Close()
		return nil, fmt.Errorf("failed to LISTEN on %s: %w", notifyChannel, err)
	}
	go s.listenLoop()
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS message_log (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			identity_variant TEXT NOT NULL,
			created_at_ms BIGINT NOT NULL,
			-- TEXT, not JSONB: producers also log bare unstructured text.
			payload TEXT NOT NULL,
			UNIQUE (tenant_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS message_log_variant_idx
			ON message_log (tenant_id, identity_variant, created_at_ms, id)`,
	}
	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure message log schema: %w", err)
		}
	}
	return nil
}

// Close stops the listener and releases the connection pool.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		err = s.db.Close()
	})
	return err
}

func (s *Store) ReadAll(ctx context.Context, tenantID, variant string) ([]wasync.RawMessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identity_variant, created_at_ms, payload FROM message_log
		WHERE tenant_id=$1 AND identity_variant=$2
		ORDER BY created_at_ms, id
	`, tenantID, variant)
	if err != nil {
		return nil, fmt.Errorf("failed to read message log: %w", err)
	}
	defer rows.Close()
	var out []wasync.RawMessageRecord
	for rows.Next() {
		var rec wasync.RawMessageRecord
		var createdMS int64
		if err = rows.Scan(&rec.ID, &rec.IdentityVariant, &createdMS, &rec.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		rec.TenantID = tenantID
		rec.CreatedAt = time.UnixMilli(createdMS).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Append(ctx context.Context, rec wasync.RawMessageRecord) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO message_log (id, tenant_id, identity_variant, created_at_ms, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, id) DO NOTHING
	`, rec.ID, rec.TenantID, rec.IdentityVariant, rec.CreatedAt.UnixMilli(), string(rec.Payload))
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Duplicate id: already appended, nothing to announce.
		return nil
	}
	env := notifyEnvelope{
		ID:              rec.ID,
		TenantID:        rec.TenantID,
		IdentityVariant: rec.IdentityVariant,
		CreatedAtMS:     rec.CreatedAt.UnixMilli(),
		Payload:         json.RawMessage(rec.Payload),
	}
	body, err := json.Marshal(env)
	if err != nil || len(body) > maxNotifyPayload {
		env.Payload = nil
		if body, err = json.Marshal(env); err != nil {
			return fmt.Errorf("failed to marshal notify envelope: %w", err)
		}
	}
	if _, err = s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(body)); err != nil {
		// The row is durable; subscribers pick it up on their next
		// reconciliation pull even without the notification.
		s.log.Warn().Err(err).Str("id", rec.ID).Msg("Failed to notify append")
	}
	return nil
}

func (s *Store) RewriteAttachment(ctx context.Context, tenantID, messageID, locator string) error {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM message_log WHERE tenant_id=$1 AND id=$2`,
		tenantID, messageID).Scan(&payload)
	if err != nil {
		return fmt.Errorf("failed to load record for rewrite: %w", err)
	}
	rewritten, err := wasync.RewriteAttachmentPayload(payload, locator)
	if err != nil {
		return fmt.Errorf("failed to rewrite payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE message_log SET payload=$1 WHERE tenant_id=$2 AND id=$3`,
		string(rewritten), tenantID, messageID)
	return err
}

// ============================================================================
// Push subscriptions
// ============================================================================

type subscription struct {
	store    *Store
	id       uint64
	tenantID string
	variant  string
	onInsert func(wasync.RawMessageRecord)
}

func (sub *subscription) Unsubscribe() {
	sub.store.subsMu.Lock()
	delete(sub.store.subs, sub.id)
	sub.store.subsMu.Unlock()
}

func (s *Store) Subscribe(_ context.Context, tenantID, variant string, onInsert func(wasync.RawMessageRecord)) (wasync.Subscription, error) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.nextSubID++
	sub := &subscription{
		store:    s,
		id:       s.nextSubID,
		tenantID: tenantID,
		variant:  variant,
		onInsert: onInsert,
	}
	s.subs[sub.id] = sub
	return sub, nil
}

func (s *Store) listenLoop() {
	for {
		select {
		case <-s.done:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Listener reconnected; notifications may have been lost.
				// Reconciliation pulls heal the gap.
				s.log.Warn().Msg("Postgres listener reconnected, some notifications may have been dropped")
				continue
			}
			s.handleNotification([]byte(n.Extra))
		}
	}
}

func (s *Store) handleNotification(body []byte) {
	var env notifyEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		s.log.Warn().Err(err).Msg("Failed to decode append notification")
		return
	}
	rec := wasync.RawMessageRecord{
		ID:              env.ID,
		TenantID:        env.TenantID,
		IdentityVariant: env.IdentityVariant,
		CreatedAt:       time.UnixMilli(env.CreatedAtMS).UTC(),
		Payload:         []byte(env.Payload),
	}
	if len(env.Payload) == 0 {
		// Oversized record announced by key only; fetch the payload.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.db.QueryRowContext(ctx,
			`SELECT payload FROM message_log WHERE tenant_id=$1 AND id=$2`,
			env.TenantID, env.ID).Scan(&rec.Payload)
		cancel()
		if err != nil {
			s.log.Warn().Err(err).Str("id", env.ID).Msg("Failed to fetch notified record")
			return
		}
	}

	s.subsMu.Lock()
	var targets []*subscription
	for _, sub := range s.subs {
		if sub.tenantID == rec.TenantID && sub.variant == rec.IdentityVariant {
			targets = append(targets, sub)
		}
	}
	s.subsMu.Unlock()
	for _, sub := range targets {
		sub.onInsert(rec)
	}
}
