package entitlements

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rcourtman/pagegen/internal/models"
	"github.com/rs/zerolog/log"
)

// Record is a product access grant. It lives in models so the session
// store can cache it without importing this package.
type Record = models.Record

// rawRecord is the wire shape of one product access entry. productId is
// either a populated document {_id|id, name} or a bare id string.
type rawRecord struct {
	ProductID      json.RawMessage `json:"productId"`
	ProductName    string          `json:"productName"`
	Name           string          `json:"name"`
	IsActive       bool            `json:"isActive"`
	IsExpired      *bool           `json:"isExpired"`
	RemainingUsage *float64        `json:"remainingUsage"`
	UsageCount     *float64        `json:"usageCount"`
	ExpiresAt      *time.Time      `json:"expiresAt"`
}

type productRef struct {
	MongoID string `json:"_id"`
	ID      string `json:"id"`
	Name    string `json:"name"`
}

// NormalizeRecords converts raw entries into Records. Entries without a
// product id are dropped and duplicate ids keep their first occurrence.
func NormalizeRecords(raw []json.RawMessage, now time.Time) []Record {
	records := make([]Record, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))

	for i, entry := range raw {
		var rr rawRecord
		if err := json.Unmarshal(entry, &rr); err != nil {
			log.Warn().Err(err).Int("index", i).Msg("Skipping unreadable product access entry")
			continue
		}
		rec, ok := normalizeRecord(rr, now)
		if !ok {
			log.Warn().Int("index", i).Msg("Skipping product access entry without a product id")
			continue
		}
		if _, dup := seen[rec.ProductID]; dup {
			log.Warn().Str("product_id", rec.ProductID).Msg("Ignoring duplicate product access entry")
			continue
		}
		seen[rec.ProductID] = struct{}{}
		records = append(records, rec)
	}
	return records
}

func normalizeRecord(rr rawRecord, now time.Time) (Record, bool) {
	id, name := parseProductRef(rr.ProductID)
	if id == "" {
		return Record{}, false
	}
	if name == "" {
		name = rr.ProductName
	}
	if name == "" {
		name = rr.Name
	}

	rec := Record{
		ProductID:      id,
		ProductName:    name,
		IsActive:       rr.IsActive,
		RemainingUsage: clampCount(rr.RemainingUsage),
		UsageCount:     clampCount(rr.UsageCount),
	}
	if rr.ExpiresAt != nil {
		t := *rr.ExpiresAt
		rec.ExpiresAt = &t
	}

	switch {
	case rr.IsExpired != nil:
		rec.IsExpired = *rr.IsExpired
	case rec.ExpiresAt != nil:
		rec.IsExpired = !now.Before(*rec.ExpiresAt)
	default:
		log.Warn().Str("product_id", id).Msg("Product access entry has no expiry information; assuming not expired")
	}
	return rec, true
}

func parseProductRef(raw json.RawMessage) (id, name string) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", ""
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", ""
		}
		return strings.TrimSpace(s), ""
	case '{':
		var ref productRef
		if err := json.Unmarshal(raw, &ref); err != nil {
			return "", ""
		}
		id = ref.MongoID
		if id == "" {
			id = ref.ID
		}
		return strings.TrimSpace(id), ref.Name
	}
	return "", ""
}

func clampCount(v *float64) int64 {
	if v == nil || math.IsNaN(*v) || *v <= 0 {
		return 0
	}
	if *v >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(*v)
}

// ParseAccessResponse decodes the product-access endpoint body. A missing
// productAccess field is an empty list.
func ParseAccessResponse(body []byte, now time.Time) ([]Record, error) {
	var envelope struct {
		ProductAccess []json.RawMessage `json:"productAccess"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode product access: %w", err)
	}
	return NormalizeRecords(envelope.ProductAccess, now), nil
}

// RecordsFromProfile normalizes the product array embedded in a legacy
// user document, found under productAccess or products.
func RecordsFromProfile(rawProfile []byte, now time.Time) ([]Record, error) {
	var doc struct {
		ProductAccess []json.RawMessage `json:"productAccess"`
		Products      []json.RawMessage `json:"products"`
	}
	if err := json.Unmarshal(rawProfile, &doc); err != nil {
		return nil, fmt.Errorf("decode user profile: %w", err)
	}
	if len(doc.ProductAccess) > 0 {
		return NormalizeRecords(doc.ProductAccess, now), nil
	}
	return NormalizeRecords(doc.Products, now), nil
}
