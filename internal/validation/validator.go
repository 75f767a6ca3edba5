// Package validation classifies raw input rows into normalized valid rows and
// tagged invalid rows. Every input row lands in exactly one of the two sets.
package validation

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"credit-predictions/internal/domain"
)

// Reasons attached to invalid rows.
const (
	ReasonNotAMap        = "not_a_map"
	ReasonMissingTime    = "missing_time"
	ReasonMissingPrice   = "missing_price"
	ReasonAmbiguousTime  = "ambiguous_time"
	ReasonAmbiguousPrice = "ambiguous_price"
	ReasonBadTime        = "bad_time"
	ReasonBadPrice       = "bad_price"
)

var (
	timeKeys  = map[string]struct{}{"timestamp": {}, "date": {}, "datetime": {}, "time": {}, "ts": {}}
	priceKeys = map[string]struct{}{"price": {}, "value": {}, "target": {}, "close": {}, "y": {}}
)

// Zone-less layouts are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	"02.01.2006",
	"02.01.2006 15:04:05",
	"20060102",
}

type Result struct {
	Valid   []domain.NormalizedRow
	Invalid []domain.InvalidRow
}

type parsedRow struct {
	at  time.Time
	row domain.NormalizedRow
}

// Validate classifies raw rows. Valid rows are stably sorted by timestamp.
func Validate(raw []any) Result {
	res := Result{
		Valid:   []domain.NormalizedRow{},
		Invalid: []domain.InvalidRow{},
	}

	parsed := make([]parsedRow, 0, len(raw))
	for i, r := range raw {
		pr, reason := classify(r)
		if reason != "" {
			res.Invalid = append(res.Invalid, domain.InvalidRow{Index: i, Row: scrub(r), Reason: reason})
			continue
		}
		parsed = append(parsed, pr)
	}

	sort.SliceStable(parsed, func(i, j int) bool {
		return parsed[i].at.Before(parsed[j].at)
	})
	for _, p := range parsed {
		res.Valid = append(res.Valid, p.row)
	}
	return res
}

// scrub replaces NUL characters in strings and keys of a raw row, which JSON
// columns cannot store.
func scrub(v any) any {
	switch t := v.(type) {
	case string:
		return strings.ReplaceAll(t, "\x00", "\uFFFD")
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[scrub(k).(string)] = scrub(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = scrub(val)
		}
		return out
	}
	return v
}

func classify(r any) (parsedRow, string) {
	m, ok := r.(map[string]any)
	if !ok {
		return parsedRow{}, ReasonNotAMap
	}

	timeVal, n := lookup(m, timeKeys)
	switch {
	case n == 0:
		return parsedRow{}, ReasonMissingTime
	case n > 1:
		return parsedRow{}, ReasonAmbiguousTime
	}

	priceVal, n := lookup(m, priceKeys)
	switch {
	case n == 0:
		return parsedRow{}, ReasonMissingPrice
	case n > 1:
		return parsedRow{}, ReasonAmbiguousPrice
	}

	at, ok := ParseTime(timeVal)
	if !ok {
		return parsedRow{}, ReasonBadTime
	}
	price, ok := ParsePrice(priceVal)
	if !ok {
		return parsedRow{}, ReasonBadPrice
	}

	return parsedRow{
		at: at,
		row: domain.NormalizedRow{
			Timestamp: at.Format(time.RFC3339Nano),
			Price:     price,
		},
	}, ""
}

// lookup returns the value of the recognized key and how many recognized
// keys the row carries.
func lookup(m map[string]any, keys map[string]struct{}) (any, int) {
	var (
		val   any
		count int
	)
	for k, v := range m {
		if _, ok := keys[strings.ToLower(strings.TrimSpace(k))]; ok {
			val = v
			count++
		}
	}
	return val, count
}

// ParseTime accepts epoch seconds (numeric or digit strings), time.Time and
// the supported date/datetime string layouts. The result is in UTC.
func ParseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return inRange(t.UTC())
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		if isEpoch(s) {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return time.Time{}, false
			}
			return fromEpoch(f)
		}
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return inRange(parsed.UTC())
			}
		}
		return time.Time{}, false
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromEpoch(f)
	}

	if f, ok := toFloat(v); ok {
		return fromEpoch(f)
	}
	return time.Time{}, false
}

func isEpoch(s string) bool {
	digits := 0
	for i, c := range s {
		switch {
		case c >= '0' && c <= '9':
			digits++
		case c == '-' && i == 0:
		case c == '.':
		default:
			return false
		}
	}
	// Eight-digit strings read better as dates than as 1970 epochs.
	return digits > 0 && digits != 8
}

// Epoch seconds of 0000-01-01T00:00:00Z and 9999-12-31T23:59:59Z.
const (
	minEpoch = -62167219200
	maxEpoch = 253402300799
)

func fromEpoch(f float64) (time.Time, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < minEpoch || f >= maxEpoch+1 {
		return time.Time{}, false
	}
	sec, frac := math.Modf(f)
	return inRange(time.Unix(int64(sec), int64(frac*1e9)).UTC())
}

// inRange keeps timestamps within four-digit years so they format as
// RFC 3339.
func inRange(t time.Time) (time.Time, bool) {
	if t.Year() < 0 || t.Year() > 9999 {
		return time.Time{}, false
	}
	return t, true
}

// ParsePrice converts numeric values and numeric strings to a finite float.
// Strings may use spaces, underscores or apostrophes as thousands separators,
// and either a dot or a comma as the decimal separator.
func ParsePrice(v any) (float64, bool) {
	var f float64
	switch p := v.(type) {
	case string:
		d, err := decimal.NewFromString(normalizeNumber(p))
		if err != nil {
			return 0, false
		}
		f = d.InexactFloat64()
	case json.Number:
		d, err := decimal.NewFromString(p.String())
		if err != nil {
			return 0, false
		}
		f = d.InexactFloat64()
	default:
		var ok bool
		if f, ok = toFloat(v); !ok {
			return 0, false
		}
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func normalizeNumber(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_', '\'', '\u00a0', '\u202f':
			return -1
		}
		return r
	}, strings.TrimSpace(s))

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")

	switch {
	case lastComma >= 0 && lastDot >= 0:
		// The separator that comes last is the decimal one.
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") > 1 || len(s)-lastComma-1 == 3 {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}
	return s
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
