package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/enesunal-m/webcall"
)

const maxRequestBody = 64 << 10

// Server is the create-web-call HTTP service.
type Server struct {
	cfg      Config
	minter   *Minter
	verifier Verifier
	log      *webcall.Logger
	handler  http.Handler
}

// Option customizes a Server.
type Option func(*Server)

// WithVerifier installs a caller verifier, replacing OIDC discovery.
func WithVerifier(v Verifier) Option {
	return func(s *Server) { s.verifier = v }
}

// New validates cfg and builds the server. When OIDCIssuer is set and no
// verifier was supplied, the issuer is discovered now.
func New(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = webcall.NewLoggerFromEnv()
		cfg.Logger.SetPrefix("[webcall-backend]")
	}

	s := &Server{cfg: cfg, minter: NewMinter(cfg), log: cfg.Logger}
	for _, opt := range opts {
		opt(s)
	}

	if s.verifier == nil && cfg.OIDCIssuer != "" {
		v, err := NewOIDCVerifier(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.verifier = v
		s.log.Info("oidc_enabled", map[string]any{"issuer": cfg.OIDCIssuer, "audience": cfg.OIDCAudience, "token_type": cfg.OIDCTokenType})
	} else if s.verifier == nil {
		s.log.Info("oidc_disabled", nil)
	}

	mux := http.NewServeMux()
	mux.Handle(webcall.CreateWebCallPath, cors(cfg.AllowedOrigins, requireBearer(s.verifier, http.HandlerFunc(s.handleCreateWebCall))))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			s.log.Warn("healthz_write_failed", map[string]any{"err": err})
		}
	})
	s.handler = mux
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on cfg.Addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("listening", map[string]any{"addr": addr})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if v, ok := s.verifier.(*JWTVerifier); ok {
			v.Close()
		}
		return nil
	}
}

func (s *Server) handleCreateWebCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req webcall.RegisterCallRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}
	if !s.cfg.agentAllowed(req.AgentID) {
		s.log.Warn("agent_rejected", map[string]any{"agent_id": req.AgentID})
		http.Error(w, "agent not allowed", http.StatusForbidden)
		return
	}

	timeout := s.cfg.MintTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	wc, err := s.minter.Mint(ctx, req)
	if err != nil {
		fields := map[string]any{"agent_id": req.AgentID, "err": err}
		var ue *UpstreamError
		if errors.As(err, &ue) {
			fields["upstream_status"] = ue.StatusCode
		}
		s.log.Error("mint_failed", fields)
		http.Error(w, "mint failed", http.StatusBadGateway)
		return
	}

	s.log.Info("web_call_created", map[string]any{"agent_id": wc.AgentID, "call_id": wc.CallID})
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(wc); err != nil {
		s.log.Warn("response_write_failed", map[string]any{"err": err})
	}
}
