// Package litestore is a SQLite-backed ConversationStore, meant for
// single-node deployments and development. Push subscriptions are driven by
// filesystem notifications on the database file with a polling fallback.
package litestore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/leadwire/wasync/pkg/wasync"
)

// pollInterval is the fallback wake period for subscription dispatch.
// fsnotify usually fires first; WAL checkpoint timing makes file events
// unreliable as the only signal.
const pollInterval = time.Second

type Store struct {
	db   *dbutil.Database
	path string
	log  zerolog.Logger

	watcher *fsnotify.Watcher
	wake    chan struct{}
	done    chan struct{}

	closeOnce sync.Once

	subsMu    sync.Mutex
	subs      map[uint64]*subscription
	nextSubID uint64
}

var _ wasync.ConversationStore = (*Store)(nil)
var _ wasync.Appender = (*Store)(nil)
var _ wasync.AttachmentRewriter = (*Store)(nil)

// New opens (creating if needed) the SQLite message log at path.
func New(path string, log zerolog.Logger) (*Store, error) {
	rawDB, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db, err := dbutil.NewWithDB(rawDB, "sqlite3")
	if err != nil {
		return nil, err
	}
	log = log.With().Str("component", "litestore").Logger()
	db.Log = dbutil.ZeroLogger(log)
	s := &Store{
		db:   db,
		path: path,
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		subs: make(map[uint64]*subscription),
	}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	s.watcher, err = fsnotify.NewWatcher()
	if err == nil {
		if watchErr := s.watcher.Add(filepath.Dir(path)); watchErr != nil {
			log.Warn().Err(watchErr).Msg("Failed to watch database directory, falling back to polling")
			_ = s.watcher.Close()
			s.watcher = nil
		}
	} else {
		log.Warn().Err(err).Msg("Failed to create file watcher, falling back to polling")
		s.watcher = nil
	}
	go s.dispatchLoop()
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS message_log (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			identity_variant TEXT NOT NULL,
			created_at_ms BIGINT NOT NULL,
			payload TEXT NOT NULL,
			UNIQUE (tenant_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS message_log_variant_idx
			ON message_log (tenant_id, identity_variant, created_at_ms, id)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure message log schema: %w", err)
		}
	}
	return nil
}

// Close stops the dispatch loop and releases the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.watcher != nil {
			_ = s.watcher.Close()
		}
		err = s.db.Close()
	})
	return err
}

func (s *Store) ReadAll(ctx context.Context, tenantID, variant string) ([]wasync.RawMessageRecord, error) {
	rows, err := s.db.Query(ctx, `
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
		rec, scanErr := scanRecord(rows, tenantID)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(rows dbutil.Scannable, tenantID string) (wasync.RawMessageRecord, error) {
	var rec wasync.RawMessageRecord
	var createdMS int64
	var payload string
	if err := rows.Scan(&rec.ID, &rec.IdentityVariant, &createdMS, &payload); err != nil {
		return rec, fmt.Errorf("failed to scan message row: %w", err)
	}
	rec.TenantID = tenantID
	rec.CreatedAt = time.UnixMilli(createdMS).UTC()
	rec.Payload = []byte(payload)
	return rec, nil
}

func (s *Store) Append(ctx context.Context, rec wasync.RawMessageRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO message_log (id, tenant_id, identity_variant, created_at_ms, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, id) DO NOTHING
	`, rec.ID, rec.TenantID, rec.IdentityVariant, rec.CreatedAt.UnixMilli(), string(rec.Payload))
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	// Wake the dispatch loop immediately for local appends; the watcher
	// covers writers in other processes.
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *Store) RewriteAttachment(ctx context.Context, tenantID, messageID, locator string) error {
	var payload string
	err := s.db.QueryRow(ctx,
		`SELECT payload FROM message_log WHERE tenant_id=$1 AND id=$2`,
		tenantID, messageID).Scan(&payload)
	if err != nil {
		return fmt.Errorf("failed to load record for rewrite: %w", err)
	}
	rewritten, err := wasync.RewriteAttachmentPayload([]byte(payload), locator)
	if err != nil {
		return fmt.Errorf("failed to rewrite payload: %w", err)
	}
	_, err = s.db.Exec(ctx,
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
	lastSeq  int64
	onInsert func(wasync.RawMessageRecord)
}

func (sub *subscription) Unsubscribe() {
	sub.store.subsMu.Lock()
	delete(sub.store.subs, sub.id)
	sub.store.subsMu.Unlock()
}

// Subscribe delivers records appended after the call for one identity
// variant. Deliveries happen on the store's dispatch goroutine.
func (s *Store) Subscribe(ctx context.Context, tenantID, variant string, onInsert func(wasync.RawMessageRecord)) (wasync.Subscription, error) {
	var maxSeq sql.NullInt64
	err := s.db.QueryRow(ctx,
		`SELECT MAX(seq) FROM message_log WHERE tenant_id=$1 AND identity_variant=$2`,
		tenantID, variant).Scan(&maxSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subscription watermark: %w", err)
	}
	s.subsMu.Lock()
	s.nextSubID++
	sub := &subscription{
		store:    s,
		id:       s.nextSubID,
		tenantID: tenantID,
		variant:  variant,
		lastSeq:  maxSeq.Int64,
		onInsert: onInsert,
	}
	s.subs[sub.id] = sub
	s.subsMu.Unlock()
	return sub, nil
}

func (s *Store) dispatchLoop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	base := filepath.Base(s.path)
	var events chan fsnotify.Event
	if s.watcher != nil {
		events = s.watcher.Events
	}
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			// The WAL and journal share the main file's name prefix.
			if !strings.HasPrefix(filepath.Base(ev.Name), base) {
				continue
			}
			s.dispatch()
		case <-s.wake:
			s.dispatch()
		case <-ticker.C:
			s.dispatch()
		}
	}
}

// dispatch delivers rows past each subscription's watermark.
func (s *Store) dispatch() {
	s.subsMu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, sub := range subs {
		rows, err := s.db.Query(ctx, `
			SELECT seq, id, identity_variant, created_at_ms, payload FROM message_log
			WHERE tenant_id=$1 AND identity_variant=$2 AND seq>$3
			ORDER BY seq
		`, sub.tenantID, sub.variant, sub.lastSeq)
		if err != nil {
			s.log.Warn().Err(err).Str("variant", sub.variant).Msg("Subscription dispatch query failed")
			continue
		}
		var pending []wasync.RawMessageRecord
		lastSeq := sub.lastSeq
		for rows.Next() {
			var seq int64
			var rec wasync.RawMessageRecord
			var createdMS int64
			var payload string
			if err := rows.Scan(&seq, &rec.ID, &rec.IdentityVariant, &createdMS, &payload); err != nil {
				s.log.Warn().Err(err).Msg("Failed to scan pushed message row")
				break
			}
			rec.TenantID = sub.tenantID
			rec.CreatedAt = time.UnixMilli(createdMS).UTC()
			rec.Payload = []byte(payload)
			pending = append(pending, rec)
			lastSeq = seq
		}
		_ = rows.Close()
		sub.lastSeq = lastSeq
		for _, rec := range pending {
			sub.onInsert(rec)
		}
	}
}
