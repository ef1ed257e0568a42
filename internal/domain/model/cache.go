package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeText folds case and width variants and collapses all whitespace runs
// to single spaces, so re-encoded images with identical OCR text compare equal.
func NormalizeText(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// ContentHash is the cache key fingerprint of normalized text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}

type CacheEntry struct {
	Hash      string        `json:"hash"`
	Result    GradingResult `json:"result"`
	CreatedAt time.Time     `json:"createdAt"`
	TTL       time.Duration `json:"ttl"`
}

func (e CacheEntry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) >= e.TTL
}

type CacheStats struct {
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hitRate"`
	EntryCount int64   `json:"entryCount"`
}

func NewCacheStats(hits, misses, entries int64) CacheStats {
	st := CacheStats{Hits: hits, Misses: misses, EntryCount: entries}
	if total := hits + misses; total > 0 {
		st.HitRate = float64(hits) / float64(total)
	}
	return st
}
