package edge

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/localrouter/gateway/gateway"
)

const accessTokenTTL = time.Hour

// tokenIssuer is the edge surface's own OAuth client-credentials authority
// (§4.10 `POST /oauth/token`) — distinct from oauthflow.Manager, which is
// the gateway acting as an OAuth *client* toward upstream servers. Issued
// tokens are opaque, in-memory, and bearer-equivalent to the client secret
// they were exchanged for; nothing downstream distinguishes a request
// authenticated by secret from one authenticated by a token minted here,
// since both ultimately resolve to the same Client record.
type tokenIssuer struct {
	store gateway.ConfigStore

	mu     sync.Mutex
	tokens map[string]issuedToken
}

type issuedToken struct {
	clientID  string
	expiresAt time.Time
}

func newTokenIssuer(store gateway.ConfigStore) *tokenIssuer {
	return &tokenIssuer{store: store, tokens: make(map[string]issuedToken)}
}

func (t *tokenIssuer) issue(clientID string) (string, time.Duration) {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	token := hex.EncodeToString(buf)

	t.mu.Lock()
	t.tokens[token] = issuedToken{clientID: clientID, expiresAt: time.Now().Add(accessTokenTTL)}
	t.mu.Unlock()
	return token, accessTokenTTL
}

// resolve returns the client id backing a previously issued token, or false
// if it's unknown or expired.
func (t *tokenIssuer) resolve(token string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tok, ok := t.tokens[token]
	if !ok || time.Now().After(tok.expiresAt) {
		delete(t.tokens, token)
		return "", false
	}
	return tok.clientID, true
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// handleToken implements `POST /oauth/token`, the client-credentials grant
// §4.9/§6 describe: HTTP Basic client_id:client_secret, grant_type must be
// client_credentials.
func (t *tokenIssuer) handleToken(w http.ResponseWriter, r *http.Request) {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		WriteErrorMessage(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing HTTP Basic credentials")
		return
	}
	if err := r.ParseForm(); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed form body")
		return
	}
	if r.FormValue("grant_type") != "client_credentials" {
		WriteErrorMessage(w, http.StatusBadRequest, "UNSUPPORTED_GRANT_TYPE", "only client_credentials is supported")
		return
	}

	client, ok := t.store.ClientByID(clientID)
	if !ok || !client.Enabled || client.Secret != clientSecret {
		WriteErrorMessage(w, http.StatusUnauthorized, "INVALID_CLIENT", "unknown client or bad secret")
		return
	}

	token, ttl := t.issue(client.ID)
	WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(ttl.Seconds()),
	})
}
