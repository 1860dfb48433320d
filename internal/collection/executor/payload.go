package executor

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vietddude/collector/internal/core/domain"
)

// AnomalyScoreKey is the record field adapters use to report anomaly scores.
const AnomalyScoreKey = "anomaly_score"

// Payload is the serialised form of a successful collection.
type Payload struct {
	Raw          string
	Processed    string
	AnomalyScore float64
}

// BuildPayload encodes records as raw JSON and as a normalised document with
// snake_case keys, and extracts the highest anomaly score.
func BuildPayload(queryClass string, records []domain.Record, collectedAt time.Time) (*Payload, error) {
	raw, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode raw payload: %w", err)
	}

	// round-trip through JSON so every value is structpb compatible
	var generic []map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("decode raw payload: %w", err)
	}

	normalised := make([]any, 0, len(generic))
	score := 0.0
	for _, rec := range generic {
		out := make(map[string]any, len(rec))
		for k, v := range rec {
			out[NormalizeKey(k)] = v
		}
		if s, ok := numeric(out[AnomalyScoreKey]); ok {
			score = math.Max(score, s)
		}
		normalised = append(normalised, out)
	}

	doc, err := structpb.NewStruct(map[string]any{
		"query_class":  queryClass,
		"collected_at": collectedAt.UTC().Format(time.RFC3339),
		"record_count": len(records),
		"records":      normalised,
	})
	if err != nil {
		return nil, fmt.Errorf("build processed payload: %w", err)
	}
	processed, err := protojson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode processed payload: %w", err)
	}

	return &Payload{
		Raw:          string(raw),
		Processed:    string(processed),
		AnomalyScore: score,
	}, nil
}

// NormalizeKey converts a property name such as "PercentProcessorTime" or
// "Working Set" into snake_case.
func NormalizeKey(k string) string {
	var b strings.Builder
	runes := []rune(k)
	lastUnderscore := true
	for i, r := range runes {
		switch {
		case unicode.IsUpper(r):
			prevLower := i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]))
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			prevUpper := i > 0 && unicode.IsUpper(runes[i-1])
			if !lastUnderscore && (prevLower || (prevUpper && nextLower)) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			lastUnderscore = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimRight(b.String(), "_")
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
