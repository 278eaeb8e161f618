// wasync - Conversation synchronization engine for the LeadWire CRM.
// Copyright (C) 2026 LeadWire
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package blobstore is a local-filesystem AttachmentMaterializer. Blobs are
// content addressed, so re-materializing the same binary is idempotent and
// returns the same durable reference.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	// Decoders beyond the stdlib set, so thumbnails work for the formats
	// WhatsApp media actually arrives in.
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/leadwire/wasync/pkg/wasync"
)

// thumbMaxDim caps the longest side of generated thumbnails.
const thumbMaxDim = 800

type Store struct {
	dir string
	log zerolog.Logger
}

var _ wasync.AttachmentMaterializer = (*Store)(nil)

func New(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &Store{dir: dir, log: log.With().Str("component", "blobstore").Logger()}, nil
}

// Materialize durably stores an inline binary and returns a blob://
// reference. Image blobs additionally get a JPEG thumbnail next to them,
// best effort.
func (s *Store) Materialize(ctx context.Context, tenantID, messageID string, inline []byte) (string, error) {
	if len(inline) == 0 {
		return "", fmt.Errorf("empty inline payload for message %s", messageID)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	mtype := mimetype.Detect(inline)
	sum := sha256.Sum256(inline)
	name := hex.EncodeToString(sum[:16]) + mtype.Extension()
	tenantDir := filepath.Join(s.dir, sanitizeSegment(tenantID))
	if err := os.MkdirAll(tenantDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create tenant blob directory: %w", err)
	}
	path := filepath.Join(tenantDir, name)
	if _, err := os.Stat(path); err != nil {
		if writeErr := writeAtomic(path, inline); writeErr != nil {
			return "", fmt.Errorf("failed to write blob: %w", writeErr)
		}
		if strings.HasPrefix(mtype.String(), "image/") {
			s.writeThumbnail(path, inline)
		}
	}
	locator := "blob://" + sanitizeSegment(tenantID) + "/" + name
	s.log.Debug().
		Str("message_id", messageID).
		Str("mime", mtype.String()).
		Int("size", len(inline)).
		Str("locator", locator).
		Msg("Materialized attachment")
	return locator, nil
}

// Open resolves a blob:// locator produced by this store back to its file.
func (s *Store) Open(locator string) (*os.File, error) {
	rel, ok := strings.CutPrefix(locator, "blob://")
	if !ok {
		return nil, fmt.Errorf("not a blob locator: %q", locator)
	}
	tenant, name, ok := strings.Cut(rel, "/")
	if !ok || tenant != sanitizeSegment(tenant) || name != sanitizeSegment(name) {
		return nil, fmt.Errorf("malformed blob locator: %q", locator)
	}
	return os.Open(filepath.Join(s.dir, tenant, name))
}

// writeThumbnail renders a capped JPEG preview next to the blob. Failures
// only cost the preview, never the materialization.
func (s *Store) writeThumbnail(blobPath string, data []byte) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		s.log.Debug().Err(err).Msg("Skipping thumbnail for undecodable image")
		return
	}
	bounds := img.Bounds()
	thumb := scaleImage(img, bounds.Dx(), bounds.Dy())
	var buf bytes.Buffer
	if err = jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 75}); err != nil {
		s.log.Debug().Err(err).Msg("Failed to encode thumbnail")
		return
	}
	if err = writeAtomic(blobPath+".thumb.jpg", buf.Bytes()); err != nil {
		s.log.Debug().Err(err).Msg("Failed to write thumbnail")
	}
}

// scaleImage shrinks an image so its longest side is at most thumbMaxDim,
// using nearest-neighbor sampling.
func scaleImage(img image.Image, origW, origH int) image.Image {
	if origW <= thumbMaxDim && origH <= thumbMaxDim {
		return img
	}
	scale := min(float64(thumbMaxDim)/float64(origW), float64(thumbMaxDim)/float64(origH))
	thumbW := max(int(float64(origW)*scale), 1)
	thumbH := max(int(float64(origH)*scale), 1)
	srcBounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, thumbW, thumbH))
	for y := 0; y < thumbH; y++ {
		srcY := srcBounds.Min.Y + y*srcBounds.Dy()/thumbH
		for x := 0; x < thumbW; x++ {
			srcX := srcBounds.Min.X + x*srcBounds.Dx()/thumbW
			dst.Set(x, y, img.At(srcX, srcY))
		}
	}
	return dst
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// sanitizeSegment keeps locator path segments free of separators and
// traversal sequences.
func sanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	out = strings.Trim(out, ".")
	if out == "" {
		out = "_"
	}
	return out
}
