// Package models provides the data structures for payloads and records handled by the ETL service.
package models

import "time"

// PayloadKind discriminates the possible shapes of a provider response.
type PayloadKind int

const (
	// PayloadAbsent means no data could be retrieved.
	PayloadAbsent PayloadKind = iota
	// PayloadRecord is a structured JSON object.
	PayloadRecord
	// PayloadLines is a newline-delimited plain text response.
	PayloadLines
)

// RawPayload is the tagged representation of a remote API response: a
// structured record, plain text lines, or nothing at all after retries were
// exhausted.
//
// The zero value is an absent payload.
type RawPayload struct {
	Kind   PayloadKind
	Record map[string]any
	Lines  []string
}

// RecordPayload wraps a structured provider record.
func RecordPayload(record map[string]any) RawPayload {
	return RawPayload{Kind: PayloadRecord, Record: record}
}

// LinesPayload wraps a plain text response split into lines.
func LinesPayload(lines []string) RawPayload {
	return RawPayload{Kind: PayloadLines, Lines: lines}
}

// Absent reports whether the payload carries no data.
func (p RawPayload) Absent() bool {
	return p.Kind == PayloadAbsent
}

// Value returns the payload in the shape it is retained verbatim in storage:
// the record itself, text lines under a "data" key, or nil.
func (p RawPayload) Value() any {
	switch p.Kind {
	case PayloadRecord:
		return p.Record
	case PayloadLines:
		return map[string]any{"data": p.Lines}
	default:
		return nil
	}
}

// SampleType classifies a sample by its reported file type.
type SampleType string

// Sample types derived from the provider file type string.
const (
	SampleTypeExecutable SampleType = "executable"
	SampleTypeDocument   SampleType = "document"
	SampleTypeArchive    SampleType = "archive"
	SampleTypeUnknown    SampleType = "unknown"
)

// NormalizedFields are the provider fields copied under canonical names.
// Absent provider fields are left at their zero value.
type NormalizedFields struct {
	MD5             string   `mapstructure:"MD5" json:"md5,omitempty"`
	SHA1            string   `mapstructure:"SHA1" json:"sha1,omitempty"`
	SHA256Confirmed string   `mapstructure:"SHA256" json:"sha256_confirmed,omitempty"`
	SSDeep          string   `mapstructure:"SSDEEP" json:"ssdeep,omitempty"`
	FileType        string   `mapstructure:"F_TYPE" json:"file_type,omitempty"`
	Sources         []string `mapstructure:"SOURCES" json:"sources,omitempty"`
	DateAdded       string   `mapstructure:"ADDED" json:"date_added,omitempty"`
}

// SampleRecord is the canonical shape of a stored malware sample.
// It is always fully replaced on re-ingestion, never partially updated.
type SampleRecord struct {
	SHA256             string
	IngestionTimestamp time.Time
	Source             string
	PipelineVersion    string

	// RawResponse retains the provider payload verbatim.
	RawResponse RawPayload

	Fields          NormalizedFields
	DateAddedParsed *time.Time

	SampleType       SampleType
	DataCompleteness float64
}
