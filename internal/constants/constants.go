// Package constants is responsible for defining the constants used in the application.
package constants

import "time"

var (
	// Version is the version of the application.
	Version = "Dev"
)

const (
	// CmdName is the name of the ETL service command.
	CmdName = "threatstash-etl-service"

	// SourceTag identifies this pipeline in stored records.
	SourceTag = "malshare_api"

	// PipelineVersion is stamped on every stored record.
	PipelineVersion = "1.0"

	// UserAgent is sent with every outbound API request.
	UserAgent = "threatstash-etl/1.0"
)

// Remote API defaults.
const (
	// DefaultBaseURL is the default MalShare API base URL.
	DefaultBaseURL = "https://malshare.com"

	// DefaultRateLimitDelay is the default delay between API requests and the
	// base unit of the retry backoff.
	DefaultRateLimitDelay = time.Second

	// DefaultMaxRetries is the default number of attempts per API request.
	DefaultMaxRetries = 3

	// DefaultRequestTimeout is the default timeout for a single API request.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultSampleLimit is the default maximum number of samples per run.
	DefaultSampleLimit = 25
)
