package ingest

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"signalrelay/internal/models"
)

const (
	PriceScale   = 8
	MaxNoteChars = 500
)

// Draft is an alert on its way through the validation pipeline. Steps fill the
// normalized fields from the raw ones.
type Draft struct {
	Ticker    string
	Action    string
	PriceRaw  string
	Timeframe string
	Source    string
	Strategy  string
	Note      string
	TimeRaw   string

	Price      decimal.Decimal
	OccurredAt time.Time
	ReceivedAt time.Time
}

func DraftFrom(p Payload, receivedAt time.Time) Draft {
	return Draft{
		Ticker:     p.Ticker,
		Action:     p.Action,
		PriceRaw:   p.Price.String(),
		Timeframe:  p.Timeframe,
		Source:     p.Source,
		Strategy:   strings.TrimSpace(p.Strategy),
		Note:       strings.TrimSpace(p.Comment),
		TimeRaw:    p.Time.String(),
		ReceivedAt: receivedAt.UTC(),
	}
}

// StepResult is the outcome of one step: either a normalized draft or the reason
// the alert was rejected.
type StepResult struct {
	Draft Draft
	Err   *ValidationError
}

func Ok(d Draft) StepResult {
	return StepResult{Draft: d}
}

func Err(field, detail string) StepResult {
	return StepResult{Err: &ValidationError{Field: field, Detail: detail}}
}

func (r StepResult) IsOk() bool { return r.Err == nil }

type Step func(Draft) StepResult

// Pipeline runs steps in order; the first rejection wins.
type Pipeline []Step

func (p Pipeline) Run(d Draft) (Draft, error) {
	for _, step := range p {
		res := step(d)
		if !res.IsOk() {
			return Draft{}, res.Err
		}
		d = res.Draft
	}
	return d, nil
}

// NewPipeline assembles the standard validation order.
func NewPipeline(tickers, timeframes []string, defaultTimeframe string) Pipeline {
	return Pipeline{
		RequireFields,
		NormalizeTicker(tickers),
		NormalizeAction,
		NormalizePrice,
		NormalizeTimeframe(timeframes, defaultTimeframe),
		NormalizeSource,
		ParseOccurredAt,
		CapNote(MaxNoteChars),
	}
}

func RequireFields(d Draft) StepResult {
	switch {
	case strings.TrimSpace(d.Ticker) == "":
		return Err("ticker", "required")
	case strings.TrimSpace(d.Action) == "":
		return Err("action", "required")
	case strings.TrimSpace(d.PriceRaw) == "":
		return Err("price", "required")
	}
	return Ok(d)
}

func NormalizeTicker(allowed []string) Step {
	set := toSet(allowed, strings.ToUpper)
	return func(d Draft) StepResult {
		d.Ticker = strings.ToUpper(strings.TrimSpace(d.Ticker))
		if len(set) > 0 {
			if _, ok := set[d.Ticker]; !ok {
				return Err("ticker", "unsupported ticker "+d.Ticker)
			}
		}
		return Ok(d)
	}
}

func NormalizeAction(d Draft) StepResult {
	d.Action = strings.ToLower(strings.TrimSpace(d.Action))
	switch d.Action {
	case models.ActionBuy, models.ActionSell:
		return Ok(d)
	default:
		return Err("action", "must be buy or sell")
	}
}

func NormalizePrice(d Draft) StepResult {
	price, err := decimal.NewFromString(strings.TrimSpace(d.PriceRaw))
	if err != nil {
		return Err("price", "not a number")
	}
	if !price.IsPositive() {
		return Err("price", "must be positive")
	}
	d.Price = price.Round(PriceScale)
	if !d.Price.IsPositive() {
		return Err("price", "below precision")
	}
	return Ok(d)
}

func NormalizeTimeframe(allowed []string, fallback string) Step {
	set := toSet(allowed, strings.ToLower)
	fallback = strings.ToLower(strings.TrimSpace(fallback))
	return func(d Draft) StepResult {
		d.Timeframe = strings.ToLower(strings.TrimSpace(d.Timeframe))
		if d.Timeframe == "" {
			d.Timeframe = fallback
		}
		if len(set) > 0 {
			if _, ok := set[d.Timeframe]; !ok {
				return Err("timeframe", "unsupported timeframe "+d.Timeframe)
			}
		}
		return Ok(d)
	}
}

func NormalizeSource(d Draft) StepResult {
	d.Source = strings.ToLower(strings.TrimSpace(d.Source))
	switch d.Source {
	case "":
		d.Source = models.SourceWebhook
	case models.SourceWebhook, models.SourceManual, models.SourceAlgorithm:
	default:
		return Err("source", "must be webhook, manual or algorithm")
	}
	return Ok(d)
}

// ParseOccurredAt accepts RFC3339 or unix seconds/milliseconds. Without a
// timestamp the receipt time truncated to the second is used, so identical
// retries within the same second share an idempotency key.
func ParseOccurredAt(d Draft) StepResult {
	raw := strings.TrimSpace(d.TimeRaw)
	if raw == "" {
		d.OccurredAt = d.ReceivedAt.Truncate(time.Second)
		return Ok(d)
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n <= 0 {
			return Err("time", "must be positive")
		}
		if n >= 1e12 {
			d.OccurredAt = time.UnixMilli(n).UTC().Truncate(time.Second)
		} else {
			d.OccurredAt = time.Unix(n, 0).UTC()
		}
		return Ok(d)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return Err("time", "expected RFC3339 or unix timestamp")
	}
	d.OccurredAt = t.UTC().Truncate(time.Second)
	return Ok(d)
}

func CapNote(max int) Step {
	return func(d Draft) StepResult {
		if len([]rune(d.Note)) > max {
			return Err("comment", "too long")
		}
		if len([]rune(d.Strategy)) > 100 {
			return Err("strategy", "too long")
		}
		return Ok(d)
	}
}

func toSet(items []string, norm func(string) string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = norm(strings.TrimSpace(item))
		if item != "" {
			out[item] = struct{}{}
		}
	}
	return out
}
