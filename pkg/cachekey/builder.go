// Package cachekey derives the stable identifier under which a provisioned
// environment is cached. Two cache entries are interchangeable iff every
// field of their keys matches exactly.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// CacheKey identifies one provisioned environment artifact.
type CacheKey struct {
	// Platform is the matrix cell's operating system identifier.
	Platform string `json:"platform"`

	// LanguageVersion is the runtime version pinned for the cell.
	LanguageVersion string `json:"language_version"`

	// MonthBucket is the UTC calendar month (YYYY-MM) the key was built in.
	// Keys self-invalidate monthly even for byte-identical specs, bounding
	// the staleness of transitively-resolved packages the spec does not pin.
	MonthBucket string `json:"month_bucket"`

	// SpecHash is the content hash of the development spec document. Any
	// change to the dev spec invalidates the cache.
	SpecHash string `json:"spec_hash"`

	// Epoch is an operator-controlled counter bumped to force invalidation
	// independent of content or date (e.g., after a poisoned cache).
	Epoch int `json:"epoch"`
}

// String renders the key in its canonical store form.
func (k CacheKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%d",
		k.Platform, k.LanguageVersion, k.MonthBucket, k.SpecHash, k.Epoch)
}

// Build derives the cache key for one matrix cell. It is a pure function:
// the clock and epoch are passed explicitly rather than read from ambient
// state, so identical inputs always yield an identical key.
func Build(platform, languageVersion string, now time.Time, devSpecDocument []byte, epoch int) CacheKey {
	sum := sha256.Sum256(devSpecDocument)

	return CacheKey{
		Platform:        platform,
		LanguageVersion: languageVersion,
		MonthBucket:     now.UTC().Format("2006-01"),
		SpecHash:        hex.EncodeToString(sum[:]),
		Epoch:           epoch,
	}
}
