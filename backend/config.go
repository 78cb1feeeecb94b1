// Package backend serves POST /create-web-call: it authenticates the caller,
// checks the requested agent against an allowlist and mints a single-use
// access token from the upstream voice platform.
package backend

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/enesunal-m/webcall"
)

// DefaultUpstreamURL is the voice platform API used when RETELL_API_URL is unset.
const DefaultUpstreamURL = "https://api.retellai.com"

// Token types accepted by OIDC_TOKEN_TYPE.
const (
	TokenTypeID     = "id"
	TokenTypeAccess = "access"
)

// Config holds the backend's settings.
type Config struct {
	// APIKey authenticates against the upstream platform. Never logged.
	// Required: Yes
	APIKey string

	// UpstreamURL is the upstream API base.
	// Required: No (default DefaultUpstreamURL)
	UpstreamURL string

	// AllowedAgents restricts which agent ids may be requested.
	// Required: No (empty allows every agent)
	AllowedAgents []string

	// OIDCIssuer enables caller authentication when set.
	// Required: No
	OIDCIssuer string

	// OIDCAudience is the expected audience (client id for ID tokens).
	// Required: When OIDCIssuer is set
	OIDCAudience string

	// OIDCTokenType is TokenTypeID or TokenTypeAccess.
	// Required: No (default TokenTypeAccess)
	OIDCTokenType string

	// AllowedOrigins for CORS. "*" allows any origin.
	// Required: No (empty reflects any origin)
	AllowedOrigins []string

	// Addr to listen on.
	// Required: No (default ":8080")
	Addr string

	// MintTimeout bounds one create-web-call request including retries.
	// Required: No (default 10s)
	MintTimeout time.Duration

	// Retry applies to upstream transport errors and 5xx responses.
	// Required: No (default webcall.DefaultRetryConfig with 2 retries)
	Retry *webcall.RetryConfig

	// HTTPClient calls the upstream.
	// Required: No
	HTTPClient *http.Client

	// Logger for request and upstream events.
	// Required: No
	Logger *webcall.Logger
}

// LoadConfig reads the backend settings from the environment after loading
// the given .env files. Missing files are skipped.
func LoadConfig(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, webcall.NewConfigError("env file", f, err.Error())
		}
	}

	cfg := Config{
		APIKey:         os.Getenv("RETELL_API_KEY"),
		UpstreamURL:    env("RETELL_API_URL", DefaultUpstreamURL),
		AllowedAgents:  splitCSV(os.Getenv("WEBCALL_ALLOWED_AGENTS")),
		OIDCIssuer:     os.Getenv("OIDC_ISSUER"),
		OIDCAudience:   os.Getenv("OIDC_AUDIENCE"),
		OIDCTokenType:  env("OIDC_TOKEN_TYPE", TokenTypeAccess),
		AllowedOrigins: splitCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),
		Addr:           env("ADDR", ":8080"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first missing or inconsistent setting.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return webcall.NewConfigError("APIKey", "", "RETELL_API_KEY is required")
	}
	if c.OIDCIssuer != "" {
		if c.OIDCAudience == "" {
			return webcall.NewConfigError("OIDCAudience", "", "required when OIDC_ISSUER is set")
		}
		switch c.OIDCTokenType {
		case "", TokenTypeID, TokenTypeAccess:
		default:
			return webcall.NewConfigError("OIDCTokenType", c.OIDCTokenType, `must be "id" or "access"`)
		}
	}
	return nil
}

func (c Config) upstreamURL() string {
	if c.UpstreamURL == "" {
		return DefaultUpstreamURL
	}
	return strings.TrimRight(c.UpstreamURL, "/")
}

func (c Config) retry() webcall.RetryConfig {
	if c.Retry != nil {
		return *c.Retry
	}
	rc := webcall.DefaultRetryConfig()
	rc.MaxRetries = 2
	rc.BaseDelay = 250 * time.Millisecond
	rc.MaxDelay = 2 * time.Second
	return rc
}

func (c Config) agentAllowed(agentID string) bool {
	if len(c.AllowedAgents) == 0 {
		return true
	}
	return contains(c.AllowedAgents, agentID)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func contains(a []string, v string) bool {
	for _, x := range a {
		if x == v {
			return true
		}
	}
	return false
}
