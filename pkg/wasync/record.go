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
	"time"

	"github.com/tidwall/sjson"
)

// Direction says which side of the conversation produced a message.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// AttachmentKind is a coarse media classification used by the UI layer to
// pick a renderer. It is derived from sniffed MIME, never trusted from the
// raw payload.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentDocument AttachmentKind = "document"
)

// Attachment is the media part of a NormalizedMessage. While Locator is
// empty the attachment is pending materialization and Inline holds the raw
// binary that still lives inside the log record.
type Attachment struct {
	Kind    AttachmentKind
	Locator string
	Inline  []byte
}

// Pending reports whether the attachment has not been offloaded to durable
// storage yet.
func (a *Attachment) Pending() bool {
	return a != nil && a.Locator == ""
}

func (a *Attachment) clone() *Attachment {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

// NormalizedMessage is the canonical output unit of the engine. For a fixed
// ID the Text, Timestamp and Direction fields never change after the first
// successful normalization; only the attachment locator may transition once,
// from pending to a durable reference.
type NormalizedMessage struct {
	ID         string
	Text       string
	Timestamp  time.Time
	Direction  Direction
	Attachment *Attachment
}

func (m *NormalizedMessage) clone() *NormalizedMessage {
	cp := *m
	cp.Attachment = m.Attachment.clone()
	return &cp
}

// RawMessageRecord is one opaque log entry as stored by the external
// chat-automation pipeline. The payload shape varies per producer and
// version; the normalizer deals with that.
type RawMessageRecord struct {
	ID              string
	TenantID        string
	IdentityVariant string
	CreatedAt       time.Time
	Payload         []byte
}

// Subscription is a handle to one push feed opened via
// ConversationStore.Subscribe.
type Subscription interface {
	Unsubscribe()
}

// ConversationStore is the append-only message log, keyed by
// (tenant, identity variant). ReadAll must be safe to call repeatedly.
// Subscribe delivers records appended after the call; deliveries may invoke
// the callback from any goroutine.
type ConversationStore interface {
	ReadAll(ctx context.Context, tenantID, variant string) ([]RawMessageRecord, error)
	Subscribe(ctx context.Context, tenantID, variant string, onInsert func(RawMessageRecord)) (Subscription, error)
}

// Appender is the write side of a message log. The engine never appends;
// this is used by the ingest bridge and by tooling.
type Appender interface {
	Append(ctx context.Context, rec RawMessageRecord) error
}

// AttachmentRewriter is an optional store capability: rewrite a record's
// attachment sub-field in place, replacing the inline binary with a durable
// reference. Stores that support it are picked up by the session after a
// successful materialization.
type AttachmentRewriter interface {
	RewriteAttachment(ctx context.Context, tenantID, messageID, locator string) error
}

// AttachmentMaterializer durably stores an inline binary payload and returns
// a stable reference. The engine issues at most one concurrent request per
// message id and never retries on its own.
type AttachmentMaterializer interface {
	Materialize(ctx context.Context, tenantID, messageID string, inline []byte) (string, error)
}

// RewriteAttachmentPayload returns a copy of a raw record payload with the
// inline attachment binary removed and the durable reference in its place.
// Shared by the store adapters so they all produce the same rewritten shape.
func RewriteAttachmentPayload(payload []byte, locator string) ([]byte, error) {
	out, err := sjson.DeleteBytes(payload, "attachment.data")
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(out, "attachment.ref", locator)
}
