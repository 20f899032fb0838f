package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// IdempotencyKey derives the signal id from the fields that identify an alert.
// Strategy and note are deliberately excluded.
func IdempotencyKey(d Draft) string {
	parts := []string{
		d.Ticker,
		d.Action,
		d.Price.StringFixed(PriceScale),
		strconv.FormatInt(d.OccurredAt.Unix(), 10),
		d.Source,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
