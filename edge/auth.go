package edge

import (
	"net/http"
	"strings"

	"github.com/localrouter/gateway/gateway"
)

// authenticate resolves the bearer token on r's Authorization header against
// store, returning the matching enabled Client. The bearer value is either
// the client's raw secret or a token minted by POST /oauth/token — both
// resolve to the same Client (§4.10, §4.9's "Authorization: Bearer
// <client-secret>").
func authenticate(store gateway.ConfigStore, issuer *tokenIssuer, r *http.Request) (gateway.Client, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return gateway.Client{}, false
	}
	secret := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if secret == "" {
		return gateway.Client{}, false
	}

	if issuer != nil {
		if clientID, ok := issuer.resolve(secret); ok {
			if client, ok := store.ClientByID(clientID); ok && client.Enabled {
				return client, true
			}
		}
	}

	client, ok := store.ClientBySecret(secret)
	if !ok || !client.Enabled {
		return gateway.Client{}, false
	}
	return client, true
}

func requireAuth(store gateway.ConfigStore, issuer *tokenIssuer, w http.ResponseWriter, r *http.Request) (gateway.Client, bool) {
	client, ok := authenticate(store, issuer, r)
	if !ok {
		WriteErrorMessage(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token")
		return gateway.Client{}, false
	}
	return client, true
}
