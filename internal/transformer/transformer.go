// Package transformer normalizes raw provider records into canonical sample
// records. Transformation is total: it degrades field by field and never
// fails.
package transformer

import (
	"log/slog"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/threatstash/threatstash/internal/constants"
	"github.com/threatstash/threatstash/internal/models"
)

// dateAddedLayout is the fixed format of the provider "ADDED" field.
const dateAddedLayout = "2006-01-02 15:04:05"

// expectedFields is the fixed set used to compute the completeness score.
var expectedFields = []string{"MD5", "SHA1", "SHA256", "F_TYPE", "ADDED"}

type timeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time {
	return time.Now()
}

// Transformer maps raw provider payloads onto the canonical record schema.
type Transformer struct {
	source  string
	version string
	clock   timeProvider
}

type options struct {
	clock timeProvider
}

// Options represents an optional function to override Transformer default values.
type Options func(*options)

// New creates a new Transformer stamping records with the default source tag
// and pipeline version.
func New(args ...Options) Transformer {
	opts := options{
		clock: realTimeProvider{},
	}
	for _, opt := range args {
		opt(&opts)
	}

	return Transformer{
		source:  constants.SourceTag,
		version: constants.PipelineVersion,
		clock:   opts.clock,
	}
}

// Transform builds a canonical sample record from the raw payload.
//
// The identity, ingestion metadata and verbatim raw response are always
// populated, even when the payload is not a structured record.
func (t Transformer) Transform(raw models.RawPayload, hash string) models.SampleRecord {
	slog.Debug("Transforming sample", "hash", hash)

	rec := models.SampleRecord{
		SHA256:             hash,
		IngestionTimestamp: t.clock.Now().UTC(),
		Source:             t.source,
		PipelineVersion:    t.version,
		RawResponse:        raw,
		SampleType:         models.SampleTypeUnknown,
		DataCompleteness:   completeness(raw),
	}

	if raw.Kind != models.PayloadRecord {
		return rec
	}

	rec.Fields = normalize(raw.Record, hash)
	rec.SampleType = classify(rec.Fields.FileType)

	if added, ok := raw.Record["ADDED"]; ok {
		if parsed, err := time.Parse(dateAddedLayout, rec.Fields.DateAdded); err != nil {
			slog.Warn("Failed to parse date", "hash", hash, "date", added)
		} else {
			rec.DateAddedParsed = &parsed
		}
	}

	return rec
}

// normalize copies present provider fields under their canonical names,
// coercing loosely-typed values best effort.
func normalize(record map[string]any, hash string) models.NormalizedFields {
	var fields models.NormalizedFields

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &fields,
		WeaklyTypedInput: true,
	})
	if err != nil {
		slog.Warn("Failed to build field decoder", "hash", hash, "error", err)
		return fields
	}
	if err := dec.Decode(record); err != nil {
		slog.Warn("Failed to normalize some provider fields", "hash", hash, "error", err)
	}

	return fields
}

// classify derives the sample type from the provider file type string.
// First matching rule wins.
func classify(fileType string) models.SampleType {
	ft := strings.ToLower(fileType)
	switch {
	case strings.Contains(ft, "pe32") || strings.Contains(ft, "executable"):
		return models.SampleTypeExecutable
	case strings.Contains(ft, "pdf"):
		return models.SampleTypeDocument
	case strings.Contains(ft, "zip") || strings.Contains(ft, "archive"):
		return models.SampleTypeArchive
	default:
		return models.SampleTypeUnknown
	}
}

// completeness returns the fraction of expected provider fields present and
// non-empty in the raw record. Non-record payloads score 0.
func completeness(raw models.RawPayload) float64 {
	if raw.Kind != models.PayloadRecord {
		return 0.0
	}

	present := 0
	for _, field := range expectedFields {
		if truthy(raw.Record[field]) {
			present++
		}
	}

	return float64(present) / float64(len(expectedFields))
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	case bool:
		return val
	case float64:
		return val != 0
	case int:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}
