// Package filter implements the pure matching predicate between a filter and
// an event, and the structural-support check applied before a filter may be
// registered against a subscription.
package filter

import (
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/c360/nostrelay/errors"
)

// IndexedTagLetters is the fixed allow-list of single-letter tag keys the
// storage layer indexes. Filters constraining any other tag key are rejected
// as unsupported rather than served through a scan.
var IndexedTagLetters = map[string]bool{
	"a": true, "d": true, "e": true, "g": true, "i": true,
	"k": true, "l": true, "p": true, "q": true, "r": true, "t": true,
}

// hexNormalizedLetters is the subset of indexed letters whose values are
// event or author references: 64-hex identifiers stored and compared in
// lowercase so lookups are case-insensitive.
var hexNormalizedLetters = map[string]bool{
	"e": true, "p": true, "q": true,
}

// Matches reports whether evt satisfies f. Every present filter field must be
// satisfied; absent fields impose no constraint. A filter with no
// constraining fields matches every event, which the subscription layer
// guards against via its own caps.
func Matches(f *nostr.Filter, evt *nostr.Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, evt.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, evt.Kind) {
		return false
	}
	if f.Since != nil && evt.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && evt.CreatedAt > *f.Until {
		return false
	}
	for letter, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		if !eventHasTagValue(evt, letter, values) {
			return false
		}
	}
	return true
}

// MatchesAny reports whether evt satisfies at least one filter in the set
func MatchesAny(filters nostr.Filters, evt *nostr.Event) bool {
	for i := range filters {
		if Matches(&filters[i], evt) {
			return true
		}
	}
	return false
}

// Supported verifies a filter only constrains shapes the relay can serve:
// tag keys must be single letters from the indexed allow-list.
func Supported(f *nostr.Filter) error {
	for letter := range f.Tags {
		if len(letter) != 1 || !IndexedTagLetters[letter] {
			return errors.WrapInvalid(errors.ErrUnsupportedFilter, "Filter", "Supported",
				"tag filter #"+letter+" is not indexed")
		}
	}
	return nil
}

// NormalizeTagValue lowercases reference-type tag values (event ids, pubkeys)
// so identifiers are stored and compared case-insensitively. Other letters
// pass through unchanged.
func NormalizeTagValue(letter, value string) string {
	if hexNormalizedLetters[letter] {
		return strings.ToLower(value)
	}
	return value
}

func eventHasTagValue(evt *nostr.Event, letter string, values []string) bool {
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != letter {
			continue
		}
		have := NormalizeTagValue(letter, tag[1])
		for _, want := range values {
			if have == NormalizeTagValue(letter, want) {
				return true
			}
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsInt(haystack []int, needle int) bool {
	for _, n := range haystack {
		if n == needle {
			return true
		}
	}
	return false
}
