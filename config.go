package webcall

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Default values applied when the corresponding Config field is zero.
const (
	DefaultRegisterTimeout    = 15 * time.Second
	DefaultTranscriptCapacity = 5
)

// Environment variables read by LoadConfig.
const (
	EnvAgentID            = "WEBCALL_AGENT_ID"
	EnvAPIBaseURL         = "WEBCALL_API_URL"
	EnvRegisterTimeout    = "WEBCALL_REGISTER_TIMEOUT"
	EnvTranscriptCapacity = "WEBCALL_TRANSCRIPT_CAPACITY"
)

// Config holds everything the registrar and controller need.
// It is read once at startup and never mutated afterwards.
type Config struct {
	// AgentID identifies the remote conversational agent.
	// Required: Yes
	AgentID string

	// APIBaseURL is the base URL of the backend exposing /create-web-call.
	// Format: https://api.example.com (no trailing path required)
	// Required: Yes
	APIBaseURL string

	// HTTPClient is used for registration requests.
	// Required: No (defaults to a client with RegisterTimeout)
	HTTPClient *http.Client

	// RegisterTimeout bounds a single registration request.
	// Required: No (default 15s)
	RegisterTimeout time.Duration

	// TranscriptCapacity is the number of most recent utterances kept.
	// Required: No (default 5)
	TranscriptCapacity int

	// Metadata is forwarded opaquely to the backend with every registration.
	// Required: No
	Metadata map[string]any

	// DynamicVariables are forwarded to the backend as retell_llm_dynamic_variables.
	// Required: No
	DynamicVariables map[string]string

	// StartOptions are passed to the remote client on every call start.
	// The access token field is always overwritten by the controller.
	// Required: No
	StartOptions StartCallOptions

	// Breaker optionally guards registration. While open, registration fails
	// fast without touching the network. It never retries.
	// Required: No
	Breaker *CircuitBreaker

	// Logger is called for significant events.
	// Required: No (if nil, no logging occurs)
	Logger func(event string, fields map[string]any)

	// StructuredLogger provides levelled logging.
	// If both Logger and StructuredLogger are provided, StructuredLogger takes precedence.
	// Required: No
	StructuredLogger *Logger
}

func (c Config) transcriptCapacity() int {
	if c.TranscriptCapacity == 0 {
		return DefaultTranscriptCapacity
	}
	return c.TranscriptCapacity
}

// LoadConfig builds a Config from the process environment after loading the
// given .env files (".env" when none are given). Files that do not exist are
// skipped; variables already set in the environment win over file values.
// The result is validated, so a missing agent id or base URL is reported here.
func LoadConfig(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, NewConfigError("env file", f, err.Error())
		}
	}

	cfg := Config{
		AgentID:    os.Getenv(EnvAgentID),
		APIBaseURL: os.Getenv(EnvAPIBaseURL),
	}

	if v := os.Getenv(EnvRegisterTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, NewConfigError("RegisterTimeout", v, "invalid duration")
		}
		cfg.RegisterTimeout = d
	}

	if v := os.Getenv(EnvTranscriptCapacity); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, NewConfigError("TranscriptCapacity", v, "not an integer")
		}
		cfg.TranscriptCapacity = n
	}

	if err := ValidateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
