package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/leadwire/wasync/pkg/wasync"
)

func TestHandleNotificationFanOut(t *testing.T) {
	s := &Store{
		log:  zerolog.Nop(),
		subs: make(map[uint64]*subscription),
	}

	var mu sync.Mutex
	var got []wasync.RawMessageRecord
	collect := func(rec wasync.RawMessageRecord) {
		mu.Lock()
		got = append(got, rec)
		mu.Unlock()
	}
	sub, err := s.Subscribe(context.Background(), "t1", "v1", collect)
	require.NoError(t, err)
	_, err = s.Subscribe(context.Background(), "t1", "v2", collect)
	require.NoError(t, err)
	_, err = s.Subscribe(context.Background(), "t2", "v1", collect)
	require.NoError(t, err)

	body, err := json.Marshal(notifyEnvelope{
		ID:              "m1",
		TenantID:        "t1",
		IdentityVariant: "v1",
		CreatedAtMS:     1767225600000,
		Payload:         json.RawMessage(`{"type":"human","content":"oi"}`),
	})
	require.NoError(t, err)
	s.handleNotification(body)

	require.Len(t, got, 1, "only the matching tenant+variant subscription fires")
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "t1", got[0].TenantID)
	assert.Equal(t, time.UnixMilli(1767225600000).UTC(), got[0].CreatedAt)
	assert.Equal(t, `{"type":"human","content":"oi"}`, string(got[0].Payload))

	sub.Unsubscribe()
	s.handleNotification(body)
	assert.Len(t, got, 1)

	// Garbage notifications are logged and dropped.
	assert.NotPanics(t, func() { s.handleNotification([]byte("{not json")) })
}

// The tests below exercise a real Postgres instance and are skipped unless
// WASYNC_TEST_PG_DSN points at one.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("WASYNC_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("WASYNC_TEST_PG_DSN not set")
	}
	s, err := New(dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresAppendReadAll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tenant := "t-" + uuid.NewString()
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"m1", "m2"} {
		require.NoError(t, s.Append(ctx, wasync.RawMessageRecord{
			ID:              id,
			TenantID:        tenant,
			IdentityVariant: "v1",
			CreatedAt:       base.Add(time.Duration(i) * time.Second),
			Payload:         []byte(`{"type":"human","content":"` + id + `"}`),
		}))
	}
	// Duplicate id is ignored.
	require.NoError(t, s.Append(ctx, wasync.RawMessageRecord{
		ID: "m1", TenantID: tenant, IdentityVariant: "v1",
		CreatedAt: base, Payload: []byte(`{"type":"human","content":"dup"}`),
	}))

	recs, err := s.ReadAll(ctx, tenant, "v1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "m1", recs[0].ID)
	assert.Equal(t, "m2", recs[1].ID)
	assert.Equal(t, "m1", gjson.GetBytes(recs[0].Payload, "content").String())
}

func TestPostgresNotifyRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tenant := "t-" + uuid.NewString()

	var mu sync.Mutex
	var got []wasync.RawMessageRecord
	sub, err := s.Subscribe(ctx, tenant, "v1", func(rec wasync.RawMessageRecord) {
		mu.Lock()
		got = append(got, rec)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, s.Append(ctx, wasync.RawMessageRecord{
		ID: "m1", TenantID: tenant, IdentityVariant: "v1",
		CreatedAt: time.Now().UTC(), Payload: []byte(`{"type":"human","content":"push me"}`),
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "push me", gjson.GetBytes(got[0].Payload, "content").String())
}

func TestPostgresBareTextPayload(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tenant := "t-" + uuid.NewString()

	// Some producers log raw unstructured text; the column must take it
	// and the notification path must still deliver it (key-only envelope
	// plus refetch, since it can't be embedded as JSON).
	payload := []byte("plain text, no JSON at all")

	var mu sync.Mutex
	var got []wasync.RawMessageRecord
	sub, err := s.Subscribe(ctx, tenant, "v1", func(rec wasync.RawMessageRecord) {
		mu.Lock()
		got = append(got, rec)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, s.Append(ctx, wasync.RawMessageRecord{
		ID: "m1", TenantID: tenant, IdentityVariant: "v1",
		CreatedAt: time.Now().UTC(), Payload: payload,
	}))

	recs, err := s.ReadAll(ctx, tenant, "v1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, payload, recs[0].Payload)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, payload, got[0].Payload)
}

func TestPostgresOversizedPayloadRefetched(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tenant := "t-" + uuid.NewString()

	big := fmt.Sprintf(`{"type":"human","content":%q}`, strings.Repeat("a", maxNotifyPayload))

	var mu sync.Mutex
	var got []wasync.RawMessageRecord
	sub, err := s.Subscribe(ctx, tenant, "v1", func(rec wasync.RawMessageRecord) {
		mu.Lock()
		got = append(got, rec)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, s.Append(ctx, wasync.RawMessageRecord{
		ID: "m1", TenantID: tenant, IdentityVariant: "v1",
		CreatedAt: time.Now().UTC(), Payload: []byte(big),
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.JSONEq(t, big, string(got[0].Payload))
}

func TestPostgresRewriteAttachment(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tenant := "t-" + uuid.NewString()

	require.NoError(t, s.Append(ctx, wasync.RawMessageRecord{
		ID: "m1", TenantID: tenant, IdentityVariant: "v1",
		CreatedAt: time.Now().UTC(),
		Payload:   []byte(`{"type":"human","content":"pic","attachment":{"data":"aGVsbG8="}}`),
	}))
	require.NoError(t, s.RewriteAttachment(ctx, tenant, "m1", "blob://t/x.jpg"))

	recs, err := s.ReadAll(ctx, tenant, "v1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	doc := gjson.ParseBytes(recs[0].Payload)
	assert.Equal(t, "blob://t/x.jpg", doc.Get("attachment.ref").String())
	assert.False(t, doc.Get("attachment.data").Exists())
}
