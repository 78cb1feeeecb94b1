package webcall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// CreateWebCallPath is appended to Config.APIBaseURL for registration.
const CreateWebCallPath = "/create-web-call"

// maxRegisterBody caps how much of a registration response is read.
const maxRegisterBody = 1 << 20

// CallRegistrar exchanges an agent identifier for a single-use access token.
type CallRegistrar interface {
	RegisterCall(ctx context.Context, agentID string) (AccessToken, error)
}

// RegisterCallRequest is the JSON body sent to the backend.
type RegisterCallRequest struct {
	AgentID          string            `json:"agent_id"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
	DynamicVariables map[string]string `json:"retell_llm_dynamic_variables,omitempty"`
}

// Registration is the decoded backend response.
type Registration struct {
	AccessToken AccessToken `json:"access_token"`
	CallID      string      `json:"call_id,omitempty"`
}

// Registrar performs the create-web-call exchange against a backend.
// It holds no session state and never retries.
type Registrar struct {
	url              string
	client           *http.Client
	metadata         map[string]any
	dynamicVariables map[string]string
	breaker          *CircuitBreaker
	log              eventLog
}

// NewRegistrar validates cfg and builds a Registrar for its backend.
func NewRegistrar(cfg Config) (*Registrar, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: durationOrDefault(cfg.RegisterTimeout, DefaultRegisterTimeout)}
	}

	return &Registrar{
		url:              strings.TrimRight(cfg.APIBaseURL, "/") + CreateWebCallPath,
		client:           client,
		metadata:         cfg.Metadata,
		dynamicVariables: cfg.DynamicVariables,
		breaker:          cfg.Breaker,
		log:              newEventLog(cfg, map[string]any{"component": "registrar"}),
	}, nil
}

// URL returns the full registration endpoint.
func (r *Registrar) URL() string { return r.url }

// RegisterCall sends one registration request and returns the access token.
func (r *Registrar) RegisterCall(ctx context.Context, agentID string) (AccessToken, error) {
	reg, err := r.Register(ctx, agentID)
	if err != nil {
		return "", err
	}
	return reg.AccessToken, nil
}

// Register sends one registration request and returns the full response.
// An empty agentID is a configuration error. Every other failure is a
// *RegistrationError.
func (r *Registrar) Register(ctx context.Context, agentID string) (Registration, error) {
	if agentID == "" {
		return Registration{}, NewConfigError("AgentID", "", "cannot be empty")
	}

	var reg Registration
	op := func() error {
		var err error
		reg, err = r.do(ctx, agentID)
		return err
	}

	var err error
	if r.breaker != nil {
		err = r.breaker.Execute(op)
		if errors.Is(err, ErrCircuitOpen) {
			err = NewRegistrationError(r.url, 0, err)
		}
	} else {
		err = op()
	}
	if err != nil {
		r.log.warn("register_failed", map[string]any{"agent_id": agentID, "err": err})
		return Registration{}, err
	}

	r.log.debug("registered", map[string]any{"agent_id": agentID, "call_id": reg.CallID})
	return reg, nil
}

func (r *Registrar) do(ctx context.Context, agentID string) (Registration, error) {
	body, err := json.Marshal(RegisterCallRequest{
		AgentID:          agentID,
		Metadata:         r.metadata,
		DynamicVariables: r.dynamicVariables,
	})
	if err != nil {
		return Registration{}, NewRegistrationError(r.url, 0, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return Registration{}, NewRegistrationError(r.url, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Registration{}, NewRegistrationError(r.url, 0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRegisterBody))
	if err != nil {
		return Registration{}, NewRegistrationError(r.url, resp.StatusCode, fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode/100 != 2 {
		return Registration{}, NewRegistrationError(r.url, resp.StatusCode, fmt.Errorf("unexpected status: %s", resp.Status))
	}

	var reg Registration
	if err := json.Unmarshal(data, &reg); err != nil {
		return Registration{}, NewRegistrationError(r.url, resp.StatusCode, fmt.Errorf("decode body: %w", err))
	}
	if reg.AccessToken == "" {
		return Registration{}, NewRegistrationError(r.url, resp.StatusCode, errMissingToken)
	}
	return reg, nil
}
