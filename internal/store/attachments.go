package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/steveyegge/docsync/internal/revision"
)

// prepareAttachments turns every "_attachments" entry of body into stored
// stub metadata. Inline "data" is decoded into the blob store; stubs without
// a digest inherit the parent revision's entry; "follows" entries must have
// been resolved by the multipart reader before reaching the store.
func (s *Store) prepareAttachments(ctx context.Context, q querier, docID, parentRevID string, gen int, body map[string]any) error {
	raw, ok := body[revision.KeyAttachments]
	if !ok {
		return nil
	}
	atts, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: %s is not an object", ErrBadRequest, revision.KeyAttachments)
	}
	if len(atts) == 0 {
		delete(body, revision.KeyAttachments)
		return nil
	}

	var parentAtts map[string]map[string]any
	loadParent := func() {
		if parentAtts != nil || parentRevID == "" {
			return
		}
		parentAtts = map[string]map[string]any{}
		if p, err := getRevision(ctx, q, docID, parentRevID); err == nil {
			if a := p.Attachments(); a != nil {
				parentAtts = a
			}
		}
	}

	for name, v := range atts {
		meta, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: attachment %q is not an object", ErrBadRequest, name)
		}

		switch {
		case meta["data"] != nil:
			encoded, ok := meta["data"].(string)
			if !ok {
				return fmt.Errorf("%w: attachment %q data is not a string", ErrBadRequest, name)
			}
			data, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return fmt.Errorf("%w: attachment %q data is not base64: %v", ErrBadRequest, name, err)
			}

			digest, err := s.blobs.Put(data)
			if err != nil {
				return fmt.Errorf("failed to store attachment %q: %w", name, err)
			}

			delete(meta, "data")
			meta["digest"] = digest
			if _, encoded := meta["encoding"]; encoded {
				meta["encoded_length"] = int64(len(data))
			} else {
				meta["length"] = int64(len(data))
			}
			if _, ok := meta["revpos"]; !ok {
				meta["revpos"] = gen
			}

		case meta["follows"] == true:
			return fmt.Errorf("%w: attachment %q has no body", ErrBadRequest, name)

		default:
			digest, _ := meta["digest"].(string)
			if digest == "" {
				loadParent()
				inherited, ok := parentAtts[name]
				if !ok {
					return fmt.Errorf("%w: attachment stub %q has no digest", ErrBadRequest, name)
				}
				for k, v := range inherited {
					if _, set := meta[k]; !set {
						meta[k] = v
					}
				}
				digest, _ = meta["digest"].(string)
			}

			if !s.blobs.Has(digest) {
				return fmt.Errorf("%w: attachment %q blob %s: %w", ErrBadRequest, name, digest, ErrNotFound)
			}
			if _, ok := meta["revpos"]; !ok {
				meta["revpos"] = gen
			}
		}

		delete(meta, "follows")
		meta["stub"] = true
	}

	return nil
}

// AttachmentLength returns the stored byte length of an attachment entry,
// preferring the encoded length when the body is stored encoded.
func AttachmentLength(meta map[string]any) int64 {
	for _, key := range []string{"encoded_length", "length"} {
		switch n := meta[key].(type) {
		case float64:
			return int64(n)
		case int64:
			return n
		case int:
			return int64(n)
		}
	}
	return -1
}

// IsMissingBlob reports whether err was caused by an attachment whose blob is
// not stored.
func IsMissingBlob(err error) bool {
	return errors.Is(err, ErrBadRequest) && errors.Is(err, ErrNotFound)
}
