// Package event defines the event validity predicate, kind classification,
// and the deterministic latest-wins ordering used to resolve replaceable and
// addressable event versions.
package event

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/c360/nostrelay/errors"
)

// Class is the storage classification of an event kind
type Class int

const (
	// ClassRegular events are stored as immutable appends
	ClassRegular Class = iota
	// ClassReplaceable events keep at most one version per (kind, pubkey)
	ClassReplaceable
	// ClassAddressable events keep at most one version per (kind, pubkey, d tag)
	ClassAddressable
	// ClassEphemeral events are broadcast but never persisted
	ClassEphemeral
	// ClassDeletion events are stored and trigger a deletion pass over
	// the events they reference
	ClassDeletion
)

// String returns the string representation of Class
func (c Class) String() string {
	switch c {
	case ClassRegular:
		return "regular"
	case ClassReplaceable:
		return "replaceable"
	case ClassAddressable:
		return "addressable"
	case ClassEphemeral:
		return "ephemeral"
	case ClassDeletion:
		return "deletion"
	default:
		return "unknown"
	}
}

// Classify maps an event kind onto its storage classification. Pure function
// of the kind number.
func Classify(kind int) Class {
	switch {
	case kind == nostr.KindDeletion:
		return ClassDeletion
	case kind == 0 || kind == 3:
		return ClassReplaceable
	case kind >= 10000 && kind < 20000:
		return ClassReplaceable
	case kind >= 20000 && kind < 30000:
		return ClassEphemeral
	case kind >= 30000 && kind < 40000:
		return ClassAddressable
	default:
		return ClassRegular
	}
}

// Validate checks the structural and cryptographic validity of an event:
// field shapes, the content-addressed id, and the signature. It fails closed:
// any anomaly yields an error, and it never panics past this boundary.
func Validate(evt *nostr.Event) error {
	if evt == nil {
		return errors.WrapInvalid(errors.ErrInvalidEvent, "Event", "Validate", "nil event")
	}
	if !isLowerHex(evt.ID, 64) {
		return errors.WrapInvalid(errors.ErrInvalidEvent, "Event", "Validate",
			"id is not 64 lowercase hex characters")
	}
	if !isLowerHex(evt.PubKey, 64) {
		return errors.WrapInvalid(errors.ErrInvalidEvent, "Event", "Validate",
			"pubkey is not 64 lowercase hex characters")
	}
	if !isLowerHex(evt.Sig, 128) {
		return errors.WrapInvalid(errors.ErrInvalidEvent, "Event", "Validate",
			"sig is not 128 lowercase hex characters")
	}
	if evt.Kind < 0 {
		return errors.WrapInvalid(errors.ErrInvalidEvent, "Event", "Validate",
			fmt.Sprintf("negative kind %d", evt.Kind))
	}
	for _, tag := range evt.Tags {
		if len(tag) == 0 {
			return errors.WrapInvalid(errors.ErrInvalidEvent, "Event", "Validate",
				"empty tag")
		}
	}
	if !evt.CheckID() {
		return errors.WrapInvalid(errors.ErrInvalidID, "Event", "Validate",
			"id does not match event content")
	}
	ok, err := evt.CheckSignature()
	if err != nil || !ok {
		return errors.WrapInvalid(errors.ErrInvalidSignature, "Event", "Validate",
			"signature does not verify")
	}
	return nil
}

// Wins reports whether the incoming version of a logical object supersedes
// the existing one. Larger created_at wins; on an exact tie the
// lexicographically smaller id wins, so the order is total, deterministic,
// and independent of arrival sequence.
func Wins(incoming, existing *nostr.Event) bool {
	if incoming.CreatedAt != existing.CreatedAt {
		return incoming.CreatedAt > existing.CreatedAt
	}
	return incoming.ID < existing.ID
}

// DTag returns the value of the first "d" tag and whether one is present.
// An empty-string value is a valid addressable identifier, distinct from a
// missing tag.
func DTag(evt *nostr.Event) (string, bool) {
	for _, tag := range evt.Tags {
		if len(tag) >= 1 && tag[0] == "d" {
			if len(tag) >= 2 {
				return tag[1], true
			}
			return "", true
		}
	}
	return "", false
}

// Protected reports whether the event carries the protected marker tag
// ["-"], restricting publication to its authenticated author.
func Protected(evt *nostr.Event) bool {
	for _, tag := range evt.Tags {
		if len(tag) >= 1 && tag[0] == "-" {
			return true
		}
	}
	return false
}

// ReferencedIDs returns the event ids referenced by a deletion event's "e"
// tags, deduplicated, skipping malformed values.
func ReferencedIDs(evt *nostr.Event) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "e" {
			continue
		}
		id := tag[1]
		if !isLowerHex(id, 64) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

func isLowerHex(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
