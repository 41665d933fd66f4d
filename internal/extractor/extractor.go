// Package extractor retrieves sample identifiers and their detail records
// from the remote API.
package extractor

import (
	"context"
	"log/slog"
	"strings"

	"github.com/threatstash/threatstash/internal/models"
)

// Actions exposed by the remote API.
const (
	actionList    = "getlist"
	actionDetails = "details"
)

type apiClient interface {
	Do(ctx context.Context, action string, params map[string]string) models.RawPayload
}

// Extractor fetches sample data through the API client.
type Extractor struct {
	api apiClient
}

// New creates a new Extractor using the provided API client.
func New(api apiClient) Extractor {
	return Extractor{api: api}
}

// SampleList returns up to limit recent sample hashes, in the order the
// remote API reported them. Empty lines are discarded. A failed request
// yields an empty list.
func (e Extractor) SampleList(ctx context.Context, limit int) []string {
	slog.Info("Extracting sample list", "limit", limit)

	payload := e.api.Do(ctx, actionList, nil)
	if payload.Kind != models.PayloadLines {
		slog.Error("Failed to retrieve sample list")
		return nil
	}

	hashes := make([]string, 0, len(payload.Lines))
	for _, line := range payload.Lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(hashes) == limit {
			break
		}
		hashes = append(hashes, line)
	}

	slog.Info("Extracted sample hashes", "count", len(hashes))
	return hashes
}

// SampleDetails returns the detail record for a single sample hash, or an
// absent payload if the request failed.
func (e Extractor) SampleDetails(ctx context.Context, hash string) models.RawPayload {
	slog.Info("Extracting sample details", "hash", hash)

	payload := e.api.Do(ctx, actionDetails, map[string]string{"hash": hash})
	if payload.Absent() {
		slog.Error("Failed to retrieve sample details", "hash", hash)
	}
	return payload
}
