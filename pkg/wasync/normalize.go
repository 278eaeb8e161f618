package wasync

import (
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Normalizer converts raw log records into NormalizedMessages. It never
// returns an error and never panics: malformed payloads produce a
// lower-fidelity normalization or a nil (discarded) result.
type Normalizer struct {
	log zerolog.Logger
}

func NewNormalizer(log zerolog.Logger) *Normalizer {
	return &Normalizer{log: log.With().Str("component", "normalizer").Logger()}
}

// Normalize converts one raw record. Returns nil when the record carries no
// usable text and no attachment.
func (n *Normalizer) Normalize(rec RawMessageRecord) *NormalizedMessage {
	att := extractAttachment(rec.Payload)
	text, dir, matched := normalizeText(rec.Payload)
	if !matched && att == nil {
		n.log.Debug().
			Str("record_id", rec.ID).
			Str("variant", rec.IdentityVariant).
			Msg("Discarding record: no recognizable payload shape")
		return nil
	}
	if text == "" && att == nil {
		n.log.Debug().
			Str("record_id", rec.ID).
			Str("variant", rec.IdentityVariant).
			Msg("Discarding record: empty text and no attachment")
		return nil
	}
	if !matched {
		// Attachment-only record with an unrecognized text shape.
		dir = DirectionInbound
	}
	return &NormalizedMessage{
		ID:         rec.ID,
		Text:       text,
		Timestamp:  rec.CreatedAt,
		Direction:  dir,
		Attachment: att,
	}
}

// pseudoTypeRe pulls a type token out of the upstream producer's unquoted
// pseudo-JSON (e.g. `{type:human,content:Hello}`).
var pseudoTypeRe = regexp.MustCompile(`\btype\s*:\s*"?([A-Za-z_]+)"?`)

// normalizeText runs the ordered matcher chain: typed envelope, role
// envelope, bare string. Returns the extracted text, the direction, and
// whether any branch matched.
func normalizeText(payload []byte) (string, Direction, bool) {
	if !gjson.ValidBytes(payload) {
		// Not JSON at all: the whole payload is the message text.
		text := strings.TrimSpace(string(payload))
		return stripQuoteLayer(text), DirectionInbound, text != ""
	}
	parsed := gjson.ParseBytes(payload)

	// Typed envelope: {"type": "human"|"ai", "content": ...}
	if parsed.IsObject() {
		typ := parsed.Get("type")
		content := parsed.Get("content")
		if typ.Exists() && content.Exists() {
			text, dir := resolveTypedContent(content, directionForRole(typ.String()))
			return stripQuoteLayer(text), dir, true
		}

		// Role envelope: {"role": "user"|"assistant", "content": "..."}
		role := parsed.Get("role")
		if role.Exists() && content.Exists() {
			return stripQuoteLayer(content.String()), directionForRole(role.String()), true
		}
		return "", DirectionInbound, false
	}

	// Bare string payload.
	if parsed.Type == gjson.String {
		return stripQuoteLayer(parsed.String()), DirectionInbound, true
	}
	return "", DirectionInbound, false
}

// resolveTypedContent unwraps the content field of a typed envelope. The
// upstream producer sometimes serializes a whole nested record into the
// content string, and sometimes does so without quoting keys or values, so
// strict parsing is a fallback, not the rule.
func resolveTypedContent(content gjson.Result, outer Direction) (string, Direction) {
	if content.IsObject() {
		return nestedContent(content, outer)
	}
	if content.Type != gjson.String {
		return content.String(), outer
	}
	inner := content.String()
	if strings.Contains(inner, "content:") {
		// Unquoted pseudo-JSON. Tolerant extraction: everything after the
		// content: token, minus a trailing brace. Text containing literal
		// braces or a type: token of its own comes out mangled; that
		// matches what the producer's own consumers see.
		dir := outer
		if m := pseudoTypeRe.FindStringSubmatch(inner); m != nil {
			dir = directionForRole(m[1])
		}
		idx := strings.Index(inner, "content:")
		text := strings.TrimSpace(inner[idx+len("content:"):])
		text = strings.TrimSpace(strings.TrimSuffix(text, "}"))
		return text, dir
	}
	if nested := gjson.Parse(inner); nested.IsObject() && nested.Get("content").Exists() {
		return nestedContent(nested, outer)
	}
	return inner, outer
}

func nestedContent(obj gjson.Result, outer Direction) (string, Direction) {
	dir := outer
	if t := obj.Get("type"); t.Exists() {
		dir = directionForRole(t.String())
	}
	return obj.Get("content").String(), dir
}

// directionForRole maps a type/role token to a message direction.
// Assistant-like tokens are outbound (sent by the tenant's bot or agent),
// everything else is inbound.
func directionForRole(role string) Direction {
	switch strings.ToLower(strings.Trim(strings.TrimSpace(role), `"'`)) {
	case "ai", "assistant", "bot", "agent":
		return DirectionOutbound
	default:
		return DirectionInbound
	}
}

// stripQuoteLayer removes a single layer of matching quote characters.
// Some producers double-serialize text values; one layer is all we unwrap.
func stripQuoteLayer(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if first == last && (first == '"' || first == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// extractAttachment inspects the raw payload (before any branch dispatch)
// for an attachment sub-structure. An inline binary field yields a pending
// attachment; an existing durable reference is used as-is.
func extractAttachment(payload []byte) *Attachment {
	if !gjson.ValidBytes(payload) {
		return nil
	}
	att := gjson.GetBytes(payload, "attachment")
	if !att.Exists() || !att.IsObject() {
		return nil
	}
	if ref := att.Get("ref").String(); ref != "" {
		return &Attachment{
			Kind:    kindForMIMEString(att.Get("mime").String()),
			Locator: ref,
		}
	}
	data := att.Get("data").String()
	if data == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		// Some producers store the binary unencoded. Use it verbatim.
		raw = []byte(data)
	}
	return &Attachment{
		Kind:   kindForMIME(mimetype.Detect(raw)),
		Inline: raw,
	}
}

func kindForMIME(m *mimetype.MIME) AttachmentKind {
	return kindForMIMEString(m.String())
}

func kindForMIMEString(mime string) AttachmentKind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return AttachmentImage
	case strings.HasPrefix(mime, "audio/"):
		return AttachmentAudio
	case strings.HasPrefix(mime, "video/"):
		return AttachmentVideo
	default:
		return AttachmentDocument
	}
}
