// Package oauthflow implements the OAuth Browser Flow Manager (§4.9): a
// PKCE authorization-code flow for upstream servers that require user
// login, plus the Callback Server Manager that multiplexes concurrently
// running flows behind shared local HTTP listeners. It is grounded on
// golang.org/x/oauth2 for the token exchange and on giantswarm-muster's
// pkg/oauth (PKCE generation, callback-server shape), adapted from that
// package's one-shot single-flow server into a shared, state-keyed,
// multi-flow listener.
package oauthflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/localrouter/gateway/secrets"
)

// FlowState is one of the states a Flow transitions through (§4.9
// poll_status).
type FlowState string

const (
	FlowPending          FlowState = "pending"
	FlowExchangingToken  FlowState = "exchanging_token"
	FlowSuccess          FlowState = "success"
	FlowError            FlowState = "error"
	FlowTimedOut         FlowState = "timeout"
	FlowCancelled        FlowState = "cancelled"
	defaultFlowTimeout             = 5 * time.Minute
	defaultRedirectPort            = 8923
)

// FlowConfig describes one upstream server's OAuth authorization-code
// configuration, the input to StartFlow.
type FlowConfig struct {
	ClientID     string
	ClientSecret string // empty for a public client
	AuthURL      string
	TokenURL     string
	Scopes       []string
	// ExtraParams are appended to the authorization URL verbatim (e.g.
	// audience, resource — §4.9 step 2 "extra params").
	ExtraParams map[string]string
	// RedirectPort is the local port the callback listener binds; flows
	// sharing a port share its listener. Zero selects defaultRedirectPort.
	RedirectPort int
	// KeychainKey is where the resulting token set is written on success.
	KeychainKey string
	// Timeout bounds how long the flow waits for the browser round-trip;
	// zero selects defaultFlowTimeout.
	Timeout time.Duration
}

// StartResult is what start_flow returns to the caller (§4.9).
type StartResult struct {
	FlowID      string
	AuthURL     string
	State       string
	RedirectURI string
}

// FlowStatus is what poll_status reports (§4.9).
type FlowStatus struct {
	State         FlowState
	TimeRemaining time.Duration  // valid when State == FlowPending
	Tokens        *oauth2.Token  // valid when State == FlowSuccess
	Message       string         // valid when State == FlowError
}

// flow is a Manager's internal bookkeeping for one in-flight or completed
// authorization.
type flow struct {
	id        string
	cfg       FlowConfig
	pkce      pkcePair
	state     string
	startedAt time.Time
	unregister func()

	mu      sync.Mutex
	status  FlowStatus
	cancel  context.CancelFunc
}

func (f *flow) snapshot() FlowStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.status
	if st.State == FlowPending {
		remaining := f.cfg.Timeout - time.Since(f.startedAt)
		if remaining < 0 {
			remaining = 0
		}
		st.TimeRemaining = remaining
	}
	return st
}

func (f *flow) setState(st FlowStatus) {
	f.mu.Lock()
	f.status = st
	f.mu.Unlock()
}

// Manager runs and tracks every OAuth browser flow the gateway has started,
// sharing one callbackServerManager across all of them.
type Manager struct {
	keychain  *secrets.Keychain
	logger    *zap.Logger
	callbacks *callbackServerManager

	mu    sync.Mutex
	flows map[string]*flow
	idGen func() string
}

// NewManager builds a Manager. keychain is where successful flows persist
// their tokens (§4.9 step 4: "writes tokens to the keychain").
func NewManager(keychain *secrets.Keychain, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		keychain:  keychain,
		logger:    logger.With(zap.String("component", "oauthflow")),
		callbacks: newCallbackServerManager(logger),
		flows:     make(map[string]*flow),
		idGen:     newFlowID,
	}
}

// StartFlow implements §4.9 start_flow: generates PKCE + CSRF state,
// builds the authorization URL, registers a callback waiter, and spawns the
// background exchange task.
func (m *Manager) StartFlow(ctx context.Context, cfg FlowConfig) (StartResult, error) {
	if cfg.RedirectPort == 0 {
		cfg.RedirectPort = defaultRedirectPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultFlowTimeout
	}

	pkce, err := generatePKCE()
	if err != nil {
		return StartResult{}, err
	}
	state, err := generateState()
	if err != nil {
		return StartResult{}, err
	}

	redirectURI := fmt.Sprintf("http://127.0.0.1:%d/callback", cfg.RedirectPort)
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
		RedirectURL:  redirectURI,
		Endpoint:     oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL},
	}

	params := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", pkce.challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	for k, v := range cfg.ExtraParams {
		params = append(params, oauth2.SetAuthURLParam(k, v))
	}
	authURL := oauthCfg.AuthCodeURL(state, params...)

	resultCh, unregister, err := m.callbacks.register(cfg.RedirectPort, state)
	if err != nil {
		return StartResult{}, err
	}

	id := m.idGen()
	flowCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	f := &flow{
		id:         id,
		cfg:        cfg,
		pkce:       pkce,
		state:      state,
		startedAt:  time.Now(),
		unregister: unregister,
		cancel:     cancel,
		status:     FlowStatus{State: FlowPending, TimeRemaining: cfg.Timeout},
	}

	m.mu.Lock()
	m.flows[id] = f
	m.mu.Unlock()

	go m.run(flowCtx, f, oauthCfg, resultCh)

	return StartResult{FlowID: id, AuthURL: authURL, State: state, RedirectURI: redirectURI}, nil
}

// run waits for the callback (or timeout/cancellation) and, on success,
// exchanges the code for tokens and persists them (§4.9 step 4).
func (m *Manager) run(ctx context.Context, f *flow, oauthCfg *oauth2.Config, resultCh chan callbackResult) {
	defer f.unregister()
	defer f.cancel()

	select {
	case res := <-resultCh:
		if res.error != "" {
			f.setState(FlowStatus{State: FlowError, Message: describeCallbackError(res)})
			return
		}
		f.setState(FlowStatus{State: FlowExchangingToken})
		tok, err := oauthCfg.Exchange(ctx, res.code, oauth2.SetAuthURLParam("code_verifier", f.pkce.verifier))
		if err != nil {
			f.setState(FlowStatus{State: FlowError, Message: err.Error()})
			return
		}
		if f.cfg.KeychainKey != "" && m.keychain != nil {
			data, err := json.Marshal(tok)
			if err != nil {
				f.setState(FlowStatus{State: FlowError, Message: fmt.Sprintf("marshal token: %v", err)})
				return
			}
			if err := m.keychain.Set(context.Background(), f.cfg.KeychainKey, string(data)); err != nil {
				f.setState(FlowStatus{State: FlowError, Message: fmt.Sprintf("store token: %v", err)})
				return
			}
		}
		f.setState(FlowStatus{State: FlowSuccess, Tokens: tok})
	case <-ctx.Done():
		f.mu.Lock()
		already := f.status.State
		f.mu.Unlock()
		if already == FlowCancelled {
			return // CancelFlow already set the terminal state
		}
		f.setState(FlowStatus{State: FlowTimedOut})
	}
}

func describeCallbackError(res callbackResult) string {
	if res.errorDescription != "" {
		return fmt.Sprintf("%s: %s", res.error, res.errorDescription)
	}
	return res.error
}

// PollStatus implements §4.9 poll_status.
func (m *Manager) PollStatus(flowID string) (FlowStatus, error) {
	m.mu.Lock()
	f, ok := m.flows[flowID]
	m.mu.Unlock()
	if !ok {
		return FlowStatus{}, fmt.Errorf("oauthflow: unknown flow %q", flowID)
	}
	return f.snapshot(), nil
}

// CancelFlow transitions a pending flow to Cancelled and releases its
// callback registration.
func (m *Manager) CancelFlow(flowID string) error {
	m.mu.Lock()
	f, ok := m.flows[flowID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("oauthflow: unknown flow %q", flowID)
	}
	f.setState(FlowStatus{State: FlowCancelled})
	f.cancel()
	return nil
}

// Close shuts down every callback listener the manager started.
func (m *Manager) Close() error {
	return m.callbacks.close()
}

var flowCounter struct {
	mu sync.Mutex
	n  uint64
}

// newFlowID derives a process-unique flow id without relying on a random
// source beyond what generateState already uses, so tests can substitute a
// deterministic idGen without pulling in a UUID dependency here.
func newFlowID() string {
	flowCounter.mu.Lock()
	flowCounter.n++
	n := flowCounter.n
	flowCounter.mu.Unlock()
	state, err := generateState()
	if err != nil || len(state) < 8 {
		return fmt.Sprintf("flow-%d", n)
	}
	return fmt.Sprintf("flow-%d-%s", n, state[:8])
}

// ClientCredentialsToken exchanges for a token via the OAuth2
// client-credentials grant — used when a configured upstream server's auth
// mode is oauth_client_credentials rather than the interactive browser
// flow (§3 UpstreamServerRecord.Auth).
func ClientCredentialsToken(ctx context.Context, tokenURL, clientID, clientSecret string, scopes []string) (*oauth2.Token, error) {
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return cfg.Token(ctx)
}
