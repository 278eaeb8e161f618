package wasync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
)

// SessionState is the lifecycle state of a SyncSession.
type SessionState int32

const (
	StateIdle SessionState = iota
	StateLoading
	StateLive
	StateReconciling
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	case StateReconciling:
		return "reconciling"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// sessionEventBuffer is the capacity of the per-session event queue. Push
// deliveries, reconcile results and materialization completions all go
// through it; producers block (or drop on close) when it fills up.
const sessionEventBuffer = 64

// SyncSession owns one conversation's canonical key set and its
// ConversationView. It runs the initial pull, the push subscriptions, the
// periodic reconciliation and the attachment materialization handshake.
//
// Every view mutation is serialized through a single event-loop goroutine:
// push callbacks, reconcile pulls and materialization completions post
// closures onto the same queue, so no two mutations ever race and each
// merge completes before the next is admitted.
type SyncSession struct {
	identity     *ConversationIdentity
	view         *ConversationView
	store        ConversationStore
	rewriter     AttachmentRewriter // non-nil when the store supports rewrites
	materializer AttachmentMaterializer
	normalizer   *Normalizer
	log          zerolog.Logger

	reconcileInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	events chan func()
	state  atomic.Int32
	done   chan struct{}

	closeOnce sync.Once

	subsMu sync.Mutex
	subs   []Subscription

	// Pushed records delivered before the initial batch merge. Held so the
	// optimistic path never inserts ahead of the Loading batch, then merged
	// right after it in arrival order.
	pendingPush []RawMessageRecord

	// Message ids with a materialization request in flight. A given id is
	// never submitted twice concurrently within one session.
	inflight *exsync.Set[string]
}

func newSyncSession(
	parent context.Context,
	identity *ConversationIdentity,
	store ConversationStore,
	materializer AttachmentMaterializer,
	reconcileInterval time.Duration,
	log zerolog.Logger,
) *SyncSession {
	ctx, cancel := context.WithCancel(parent)
	log = log.With().
		Str("component", "sync_session").
		Str("tenant_id", identity.TenantID).
		Str("conversation", identity.CanonicalKey).
		Logger()
	s := &SyncSession{
		identity:          identity,
		view:              newConversationView(),
		store:             store,
		materializer:      materializer,
		normalizer:        NewNormalizer(log),
		log:               log,
		reconcileInterval: reconcileInterval,
		ctx:               ctx,
		cancel:            cancel,
		events:            make(chan func(), sessionEventBuffer),
		done:              make(chan struct{}),
		inflight:          exsync.NewSet[string](),
	}
	s.rewriter, _ = store.(AttachmentRewriter)
	return s
}

// start transitions Idle→Loading and kicks off the event loop, the push
// subscriptions and the initial concurrent pull. It returns immediately;
// callers observe Live through the view's change notifications.
func (s *SyncSession) start() {
	s.state.Store(int32(StateLoading))
	go s.run()
	// Subscriptions open before the initial pull completes so nothing
	// appended between ReadAll and Subscribe is missed. Deliveries buffer
	// in pendingPush until the Loading batch lands.
	variants := s.identity.Variants()
	go s.subscribeVariants(variants)
	go func() {
		records := s.pullAll(s.ctx, variants)
		s.post(func() { s.finishLoading(records) })
	}()
}

// View returns the session's conversation view. The returned view is
// read-only for everyone but the session itself.
func (s *SyncSession) View() *ConversationView {
	return s.view
}

// Snapshot returns the current ordered message sequence and view version.
func (s *SyncSession) Snapshot() ([]NormalizedMessage, uint64) {
	return s.view.Snapshot()
}

// OnChange registers a view change callback.
func (s *SyncSession) OnChange(fn func(version uint64)) {
	s.view.OnChange(fn)
}

// State returns the current lifecycle state.
func (s *SyncSession) State() SessionState {
	return SessionState(s.state.Load())
}

// Close tears the session down: unsubscribes every push variant, stops the
// reconciliation timer and cancels in-flight pulls. Idempotent. In-flight
// materializations complete on their own; their completions become no-ops.
func (s *SyncSession) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.cancel()
		s.subsMu.Lock()
		subs := s.subs
		s.subs = nil
		s.subsMu.Unlock()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		s.log.Debug().Msg("Session closed")
	})
}

// Done is closed once the event loop has exited.
func (s *SyncSession) Done() <-chan struct{} {
	return s.done
}

// post hands a closure to the event loop. After close the closure is
// silently dropped.
func (s *SyncSession) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.ctx.Done():
	}
}

func (s *SyncSession) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			ev()
		case <-ticker.C:
			s.startReconcile()
		}
	}
}

// ============================================================================
// Loading
// ============================================================================

// pullAll reads the full history for every variant concurrently. Failed
// variants are logged and skipped; partial results are fine — the periodic
// reconciliation retries them.
func (s *SyncSession) pullAll(ctx context.Context, variants []string) []RawMessageRecord {
	var (
		mu  sync.Mutex
		out []RawMessageRecord
		wg  sync.WaitGroup
	)
	for _, variant := range variants {
		wg.Add(1)
		go func(variant string) {
			defer wg.Done()
			records, err := s.store.ReadAll(ctx, s.identity.TenantID, variant)
			if err != nil {
				s.log.Warn().Err(err).Str("variant", variant).Msg("History pull failed for variant")
				return
			}
			mu.Lock()
			out = append(out, records...)
			mu.Unlock()
		}(variant)
	}
	wg.Wait()
	return out
}

// finishLoading runs on the event loop once all initial pulls returned:
// Live, then one atomic batch merge (single version bump), then the pushes
// that were buffered while loading. An empty history produces no merge
// bump, so the transition notifies explicitly; consumers waiting on the
// change feed always learn the session went live.
func (s *SyncSession) finishLoading(records []RawMessageRecord) {
	if s.State() == StateClosed {
		return
	}
	s.state.Store(int32(StateLive))
	added := s.view.mergeBatch(s.normalizeAll(records))
	if len(added) == 0 {
		s.view.notify()
	}
	s.log.Debug().
		Int("pulled", len(records)).
		Int("merged", len(added)).
		Msg("Initial load complete, session live")
	s.requestMaterializations(added)

	buffered := s.pendingPush
	s.pendingPush = nil
	for _, rec := range buffered {
		s.mergeOne(rec)
	}
}

// normalizeAll normalizes a pulled batch, dropping discards, and grows the
// variant set when the store reveals a representation we had not derived.
func (s *SyncSession) normalizeAll(records []RawMessageRecord) []*NormalizedMessage {
	msgs := make([]*NormalizedMessage, 0, len(records))
	for _, rec := range records {
		s.observeVariant(rec.IdentityVariant)
		if msg := s.normalizer.Normalize(rec); msg != nil {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// ============================================================================
// Push path
// ============================================================================

func (s *SyncSession) subscribeVariants(variants []string) {
	for _, variant := range variants {
		sub, err := s.store.Subscribe(s.ctx, s.identity.TenantID, variant, s.onPush)
		if err != nil {
			s.log.Warn().Err(err).Str("variant", variant).
				Msg("Push subscription failed, relying on reconciliation for this variant")
			continue
		}
		s.addSub(sub)
	}
}

func (s *SyncSession) addSub(sub Subscription) {
	s.subsMu.Lock()
	if s.State() == StateClosed {
		s.subsMu.Unlock()
		sub.Unsubscribe()
		return
	}
	s.subs = append(s.subs, sub)
	s.subsMu.Unlock()
}

// onPush is invoked by the store for every appended record. The actual
// merge happens on the event loop.
func (s *SyncSession) onPush(rec RawMessageRecord) {
	s.post(func() {
		switch s.State() {
		case StateClosed:
		case StateLoading:
			s.pendingPush = append(s.pendingPush, rec)
		default:
			s.mergeOne(rec)
		}
	})
}

// mergeOne is the optimistic single-record insert: normalize, merge, bump.
// A later reconciliation pull observing the same id leaves this entry
// untouched.
func (s *SyncSession) mergeOne(rec RawMessageRecord) {
	s.observeVariant(rec.IdentityVariant)
	msg := s.normalizer.Normalize(rec)
	if msg == nil {
		return
	}
	added := s.view.mergeBatch([]*NormalizedMessage{msg})
	s.requestMaterializations(added)
}

// observeVariant grows the identity's variant set when a record carries a
// previously-unseen representation, and opens push subscriptions for the
// new variants. Runs on the event loop.
func (s *SyncSession) observeVariant(variant string) {
	if variant == "" || s.identity.Contains(variant) {
		return
	}
	added := s.identity.AddVariant(variant)
	if len(added) == 0 {
		return
	}
	s.log.Debug().
		Str("variant", variant).
		Strs("derived", added).
		Msg("Discovered new identity variant in store")
	go s.subscribeVariants(added)
}

// ============================================================================
// Reconciliation
// ============================================================================

// startReconcile launches the periodic authoritative re-pull. Only fires
// from Live; a tick that lands while still Loading or already Reconciling
// is skipped.
func (s *SyncSession) startReconcile() {
	if !s.state.CompareAndSwap(int32(StateLive), int32(StateReconciling)) {
		return
	}
	variants := s.identity.Variants()
	go func() {
		records := s.pullAll(s.ctx, variants)
		s.post(func() { s.finishReconcile(records) })
	}()
}

// finishReconcile merges the re-pulled history as a set union keyed by id:
// present entries stay untouched (a stale pull never regresses the view),
// missing ones are added, nothing is removed. Always returns to Live.
func (s *SyncSession) finishReconcile(records []RawMessageRecord) {
	defer s.state.CompareAndSwap(int32(StateReconciling), int32(StateLive))
	if s.State() == StateClosed {
		return
	}
	added := s.view.mergeBatch(s.normalizeAll(records))
	if len(added) > 0 {
		s.log.Debug().Int("healed", len(added)).Msg("Reconciliation added records missed by push")
	}
	s.requestMaterializations(added)
}

// ============================================================================
// Attachment materialization handshake
// ============================================================================

// requestMaterializations fires one materialization request per newly added
// message with a pending inline attachment, deduplicated per id.
func (s *SyncSession) requestMaterializations(added []*NormalizedMessage) {
	for _, msg := range added {
		att := msg.Attachment
		if !att.Pending() || len(att.Inline) == 0 {
			continue
		}
		if !s.inflight.Add(msg.ID) {
			continue
		}
		go s.materialize(msg.ID, att.Inline)
	}
}

func (s *SyncSession) materialize(id string, inline []byte) {
	// The request survives session close (fire-and-forget); only the
	// completion callback is dropped once closed.
	ctx := context.WithoutCancel(s.ctx)
	locator, err := s.materializer.Materialize(ctx, s.identity.TenantID, id, inline)
	s.post(func() {
		s.inflight.Remove(id)
		if s.State() == StateClosed {
			return
		}
		if err != nil {
			// No automatic retry within this session; the entry stays
			// pending and the UI renders the fallback state.
			s.log.Warn().Err(err).Str("message_id", id).Msg("Attachment materialization failed")
			return
		}
		if !s.view.patchLocator(id, locator) {
			return
		}
		s.log.Debug().Str("message_id", id).Str("locator", locator).Msg("Attachment materialized")
		if s.rewriter != nil {
			go s.rewriteRecord(id, locator)
		}
	})
}

// rewriteRecord asks the store to swap the record's inline binary for the
// durable reference. Best effort: a failure only means the next full pull
// re-delivers the inline payload, which dedups against the in-flight set
// and the already-patched view entry.
func (s *SyncSession) rewriteRecord(id, locator string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 15*time.Second)
	defer cancel()
	if err := s.rewriter.RewriteAttachment(ctx, s.identity.TenantID, id, locator); err != nil {
		s.log.Warn().Err(err).Str("message_id", id).Msg("Failed to rewrite record attachment in store")
	}
}
