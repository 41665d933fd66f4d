package pipeline_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threatstash/threatstash/internal/extractor"
	"github.com/threatstash/threatstash/internal/malshare"
	"github.com/threatstash/threatstash/internal/models"
	"github.com/threatstash/threatstash/internal/pipeline"
	"github.com/threatstash/threatstash/internal/transformer"
)

func TestRun(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		hashes        []string
		absentDetails map[string]bool
		upsertErr     map[string]error
		limit         int
		configLimit   int

		wantTotal     int
		wantSucceeded int
		wantFailed    int
		wantListLimit int
	}{
		"all samples load": {
			hashes:        []string{"aaaa", "bbbb"},
			limit:         2,
			wantTotal:     2,
			wantSucceeded: 2,
			wantListLimit: 2,
		},
		"empty sample list aborts without error": {
			hashes:        nil,
			limit:         5,
			wantListLimit: 5,
		},
		"missing details counted as failure": {
			hashes:        []string{"aaaa", "bbbb", "cccc"},
			absentDetails: map[string]bool{"bbbb": true},
			limit:         3,
			wantTotal:     3,
			wantSucceeded: 2,
			wantFailed:    1,
			wantListLimit: 3,
		},
		"load error counted as failure": {
			hashes:        []string{"aaaa", "bbbb"},
			upsertErr:     map[string]error{"aaaa": fmt.Errorf("error requested by test")},
			limit:         2,
			wantTotal:     2,
			wantSucceeded: 1,
			wantFailed:    1,
			wantListLimit: 2,
		},
		"zero limit falls back to configured limit": {
			hashes:        []string{"aaaa"},
			limit:         0,
			configLimit:   7,
			wantTotal:     1,
			wantSucceeded: 1,
			wantListLimit: 7,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ext := &mockExtractor{hashes: tc.hashes, absent: tc.absentDetails}
			db := &mockLoader{errs: tc.upsertErr}

			p, err := pipeline.New(ext, transformer.New(), db, pipeline.Config{SampleLimit: tc.configLimit}, prometheus.NewRegistry(),
				pipeline.WithSleep(func(time.Duration) {}))
			require.NoError(t, err, "Setup: pipeline.New() error")

			summary, err := p.Run(t.Context(), tc.limit)
			require.NoError(t, err, "Run() error")

			assert.NotEmpty(t, summary.RunID, "every run must carry a run ID")
			assert.Equal(t, tc.wantTotal, summary.Total, "unexpected total")
			assert.Equal(t, tc.wantSucceeded, summary.Succeeded, "unexpected success count")
			assert.Equal(t, tc.wantFailed, summary.Failed, "unexpected failure count")
			assert.Equal(t, tc.wantListLimit, ext.listLimit, "unexpected limit passed to the extractor")
			assert.Len(t, db.records, tc.wantSucceeded, "every success must correspond to a stored record")
		})
	}
}

func TestRunSleepsBetweenSamplesOnly(t *testing.T) {
	t.Parallel()

	ext := &mockExtractor{hashes: []string{"aaaa", "bbbb", "cccc"}}
	db := &mockLoader{}

	var sleeps []time.Duration
	p, err := pipeline.New(ext, transformer.New(), db, pipeline.Config{Delay: time.Second}, prometheus.NewRegistry(),
		pipeline.WithSleep(func(d time.Duration) { sleeps = append(sleeps, d) }))
	require.NoError(t, err, "Setup: pipeline.New() error")

	_, err = p.Run(t.Context(), 3)
	require.NoError(t, err, "Run() error")

	// 3 samples, delays only between consecutive requests
	require.Len(t, sleeps, 2, "expected a delay between samples but not after the last")
	for _, d := range sleeps {
		assert.Equal(t, time.Second, d, "unexpected delay duration")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())

	ext := &mockExtractor{hashes: []string{"aaaa", "bbbb", "cccc"}}
	ext.afterDetails = cancel

	db := &mockLoader{}
	p, err := pipeline.New(ext, transformer.New(), db, pipeline.Config{}, prometheus.NewRegistry(),
		pipeline.WithSleep(func(time.Duration) {}))
	require.NoError(t, err, "Setup: pipeline.New() error")

	summary, err := p.Run(ctx, 3)
	require.ErrorIs(t, err, context.Canceled, "Run() should report the cancellation")
	assert.Equal(t, 1, summary.Succeeded, "only the first sample should have been processed")
}

func TestSuccessRate(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		summary pipeline.Summary

		want float64
	}{
		"all succeeded":  {summary: pipeline.Summary{Total: 4, Succeeded: 4}, want: 100},
		"half succeeded": {summary: pipeline.Summary{Total: 4, Succeeded: 2, Failed: 2}, want: 50},
		"empty run":      {summary: pipeline.Summary{}, want: 0},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			assert.InDelta(t, tc.want, tc.summary.SuccessRate(), 0.001, "unexpected success rate")
		})
	}
}

// A full run against a fake remote API: one list request plus one details
// request per listed sample, every sample loaded exactly once.
func TestRunEndToEnd(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		switch r.URL.Query().Get("action") {
		case "getlist":
			fmt.Fprint(w, "aaaa\nbbbb\n")
		case "details":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"MD5": "digest", "SHA256": %q, "F_TYPE": "PE32 executable", "ADDED": "2025-05-30 08:15:00"}`, r.URL.Query().Get("hash"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client, err := malshare.New(malshare.Config{BaseURL: server.URL, APIKey: "test-key"})
	require.NoError(t, err, "Setup: malshare.New() error")

	db := &mockLoader{}
	p, err := pipeline.New(extractor.New(client), transformer.New(), db, pipeline.Config{}, prometheus.NewRegistry(),
		pipeline.WithSleep(func(time.Duration) {}))
	require.NoError(t, err, "Setup: pipeline.New() error")

	summary, err := p.Run(t.Context(), 2)
	require.NoError(t, err, "Run() error")

	assert.Equal(t, 2, summary.Succeeded, "both samples should load")
	assert.Zero(t, summary.Failed, "no sample should fail")
	assert.Equal(t, int64(3), requests.Load(), "expected one list request and one details request per sample")

	require.Len(t, db.records, 2, "expected one stored record per sample")
	assert.Equal(t, "aaaa", db.records[0].SHA256, "records must be stored in extraction order")
	assert.Equal(t, models.SampleTypeExecutable, db.records[0].SampleType, "sample type should be derived from the file type")
}

func TestRegistrationConflict(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := pipeline.New(&mockExtractor{}, transformer.New(), &mockLoader{}, pipeline.Config{}, reg)
	require.NoError(t, err, "Setup: first pipeline.New() error")

	_, err = pipeline.New(&mockExtractor{}, transformer.New(), &mockLoader{}, pipeline.Config{}, reg)
	require.Error(t, err, "registering the same counters twice should fail")
}

type mockExtractor struct {
	hashes []string
	absent map[string]bool

	listLimit    int
	afterDetails func()
}

func (m *mockExtractor) SampleList(ctx context.Context, limit int) []string {
	m.listLimit = limit
	if len(m.hashes) > limit {
		return m.hashes[:limit]
	}
	return m.hashes
}

func (m *mockExtractor) SampleDetails(ctx context.Context, hash string) models.RawPayload {
	if m.afterDetails != nil {
		defer m.afterDetails()
	}
	if m.absent[hash] {
		return models.RawPayload{}
	}
	return models.RecordPayload(map[string]any{"SHA256": hash, "F_TYPE": "PE32 executable"})
}

type mockLoader struct {
	errs    map[string]error
	records []models.SampleRecord
}

func (m *mockLoader) Upsert(ctx context.Context, rec models.SampleRecord) error {
	if err := m.errs[rec.SHA256]; err != nil {
		return err
	}
	m.records = append(m.records, rec)
	return nil
}
