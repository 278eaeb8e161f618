package ingest

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/leadwire/wasync/pkg/wasync"
)

// RecordFromWebhook converts one GreenAPI-style webhook notification into a
// raw log record. tenantID (from the AMQP headers) wins over the webhook's
// instance id. Notifications that carry neither text nor media are
// rejected.
//
// The produced payload uses the pipeline's typed-envelope shape
// ({"type": "human"|"ai", "content": ...}) so it round-trips through the
// engine's normalizer the same way records written directly by the pipeline
// do.
func RecordFromWebhook(tenantID string, body []byte) (wasync.RawMessageRecord, error) {
	var rec wasync.RawMessageRecord
	if !gjson.ValidBytes(body) {
		return rec, fmt.Errorf("webhook body is not valid JSON")
	}
	doc := gjson.ParseBytes(body)

	typeWebhook := doc.Get("typeWebhook").String()
	var role string
	switch typeWebhook {
	case "incomingMessageReceived":
		role = "human"
	case "outgoingMessageReceived", "outgoingAPIMessageReceived":
		role = "ai"
	default:
		return rec, fmt.Errorf("unsupported webhook type %q", typeWebhook)
	}

	chatID := doc.Get("senderData.chatId").String()
	if chatID == "" {
		return rec, fmt.Errorf("webhook has no senderData.chatId")
	}
	if tenantID == "" {
		tenantID = doc.Get("instanceData.idInstance").String()
	}
	if tenantID == "" {
		return rec, fmt.Errorf("webhook has no tenant attribution")
	}

	text := doc.Get("messageData.textMessageData.textMessage").String()
	if text == "" {
		text = doc.Get("messageData.extendedTextMessageData.text").String()
	}
	caption := doc.Get("messageData.fileMessageData.caption").String()
	if text == "" {
		text = caption
	}

	payload := []byte(`{}`)
	payload, _ = sjson.SetBytes(payload, "type", role)
	payload, _ = sjson.SetBytes(payload, "content", text)

	hasMedia := false
	if file := doc.Get("messageData.fileMessageData"); file.Exists() {
		if url := file.Get("downloadUrl").String(); url != "" {
			// Media already hosted by the provider: a durable reference.
			payload, _ = sjson.SetBytes(payload, "attachment.ref", url)
			payload, _ = sjson.SetBytes(payload, "attachment.mime", file.Get("mimeType").String())
			hasMedia = true
		} else if data := file.Get("data").String(); data != "" {
			// Inline binary: stored pending, materialized by the engine.
			payload, _ = sjson.SetBytes(payload, "attachment.data", data)
			hasMedia = true
		}
	}
	if text == "" && !hasMedia {
		return rec, fmt.Errorf("webhook carries neither text nor media")
	}

	id := doc.Get("idMessage").String()
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := time.Now().UTC()
	if ts := doc.Get("timestamp").Int(); ts > 0 {
		createdAt = time.Unix(ts, 0).UTC()
	}

	return wasync.RawMessageRecord{
		ID:              id,
		TenantID:        tenantID,
		IdentityVariant: chatID,
		CreatedAt:       createdAt,
		Payload:         payload,
	}, nil
}
