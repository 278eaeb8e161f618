package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestRecordFromWebhookIncomingText(t *testing.T) {
	body := []byte(`{
		"typeWebhook": "incomingMessageReceived",
		"idMessage": "wamid.abc123",
		"timestamp": 1767225600,
		"senderData": {"chatId": "5511912345678@c.us"},
		"messageData": {"textMessageData": {"textMessage": "oi, tudo bem?"}}
	}`)

	rec, err := RecordFromWebhook("tenant-1", body)
	require.NoError(t, err)
	assert.Equal(t, "wamid.abc123", rec.ID)
	assert.Equal(t, "tenant-1", rec.TenantID)
	assert.Equal(t, "5511912345678@c.us", rec.IdentityVariant)
	assert.Equal(t, time.Unix(1767225600, 0).UTC(), rec.CreatedAt)

	payload := gjson.ParseBytes(rec.Payload)
	assert.Equal(t, "human", payload.Get("type").String())
	assert.Equal(t, "oi, tudo bem?", payload.Get("content").String())
	assert.False(t, payload.Get("attachment").Exists())
}

func TestRecordFromWebhookOutgoingDirections(t *testing.T) {
	for _, typeWebhook := range []string{"outgoingMessageReceived", "outgoingAPIMessageReceived"} {
		body := []byte(`{
			"typeWebhook": "` + typeWebhook + `",
			"idMessage": "wamid.out1",
			"senderData": {"chatId": "5511912345678@c.us"},
			"messageData": {"extendedTextMessageData": {"text": "posso ajudar?"}}
		}`)
		rec, err := RecordFromWebhook("tenant-1", body)
		require.NoError(t, err, typeWebhook)
		assert.Equal(t, "ai", gjson.GetBytes(rec.Payload, "type").String())
		assert.Equal(t, "posso ajudar?", gjson.GetBytes(rec.Payload, "content").String())
	}
}

func TestRecordFromWebhookHostedMedia(t *testing.T) {
	body := []byte(`{
		"typeWebhook": "incomingMessageReceived",
		"idMessage": "wamid.media1",
		"senderData": {"chatId": "5511912345678@c.us"},
		"messageData": {"fileMessageData": {
			"downloadUrl": "https://media.example/file.ogg",
			"mimeType": "audio/ogg",
			"caption": "listen to this"
		}}
	}`)

	rec, err := RecordFromWebhook("tenant-1", body)
	require.NoError(t, err)
	payload := gjson.ParseBytes(rec.Payload)
	assert.Equal(t, "listen to this", payload.Get("content").String())
	assert.Equal(t, "https://media.example/file.ogg", payload.Get("attachment.ref").String())
	assert.Equal(t, "audio/ogg", payload.Get("attachment.mime").String())
}

func TestRecordFromWebhookInlineMedia(t *testing.T) {
	body := []byte(`{
		"typeWebhook": "incomingMessageReceived",
		"idMessage": "wamid.media2",
		"senderData": {"chatId": "5511912345678@c.us"},
		"messageData": {"fileMessageData": {"data": "aGVsbG8="}}
	}`)

	rec, err := RecordFromWebhook("tenant-1", body)
	require.NoError(t, err)
	payload := gjson.ParseBytes(rec.Payload)
	assert.Equal(t, "aGVsbG8=", payload.Get("attachment.data").String())
	assert.False(t, payload.Get("attachment.ref").Exists())
}

func TestRecordFromWebhookTenantFallback(t *testing.T) {
	body := []byte(`{
		"typeWebhook": "incomingMessageReceived",
		"idMessage": "wamid.t1",
		"instanceData": {"idInstance": "7103123456"},
		"senderData": {"chatId": "5511912345678@c.us"},
		"messageData": {"textMessageData": {"textMessage": "hi"}}
	}`)

	rec, err := RecordFromWebhook("", body)
	require.NoError(t, err)
	assert.Equal(t, "7103123456", rec.TenantID)
}

func TestRecordFromWebhookGeneratesMissingID(t *testing.T) {
	body := []byte(`{
		"typeWebhook": "incomingMessageReceived",
		"senderData": {"chatId": "5511912345678@c.us"},
		"messageData": {"textMessageData": {"textMessage": "hi"}}
	}`)

	rec, err := RecordFromWebhook("tenant-1", body)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.WithinDuration(t, time.Now().UTC(), rec.CreatedAt, time.Minute)
}

func TestRecordFromWebhookRejections(t *testing.T) {
	tests := []struct {
		name   string
		tenant string
		body   string
	}{
		{"invalid json", "tenant-1", `{"typeWebhook":`},
		{"unsupported type", "tenant-1", `{"typeWebhook":"stateInstanceChanged","senderData":{"chatId":"x@c.us"}}`},
		{"missing chat id", "tenant-1", `{"typeWebhook":"incomingMessageReceived","messageData":{"textMessageData":{"textMessage":"hi"}}}`},
		{"no tenant attribution", "", `{"typeWebhook":"incomingMessageReceived","senderData":{"chatId":"x@c.us"},"messageData":{"textMessageData":{"textMessage":"hi"}}}`},
		{"neither text nor media", "tenant-1", `{"typeWebhook":"incomingMessageReceived","senderData":{"chatId":"x@c.us"},"messageData":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := RecordFromWebhook(tt.tenant, []byte(tt.body))
			assert.Error(t, err)
		})
	}
}
