package edge

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/localrouter/gateway/gateway"
	"github.com/localrouter/gateway/marketplace"
)

// marketplaceHandler serves the catalog search and install surface: a
// client lists/searches installable servers, then requests an install,
// which blocks on the same client-side approval prompt sampling and
// firewall "ask" decisions already use.
type marketplaceHandler struct {
	store     gateway.ConfigStore
	issuer    *tokenIssuer
	registry  *marketplace.Registry
	installer *marketplace.Installer
	logger    *zap.Logger
}

func newMarketplaceHandler(store gateway.ConfigStore, issuer *tokenIssuer, registry *marketplace.Registry, installer *marketplace.Installer, logger *zap.Logger) *marketplaceHandler {
	return &marketplaceHandler{store: store, issuer: issuer, registry: registry, installer: installer, logger: logger.With(zap.String("component", "edge.marketplace"))}
}

func (h *marketplaceHandler) handleSearch(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAuth(h.store, h.issuer, w, r); !ok {
		return
	}
	listings := h.registry.Search(r.URL.Query().Get("q"))
	WriteJSON(w, http.StatusOK, map[string]any{"listings": listings})
}

type installRequest struct {
	CatalogID string `json:"catalog_id"`
}

func (h *marketplaceHandler) handleInstall(w http.ResponseWriter, r *http.Request) {
	client, ok := requireAuth(h.store, h.issuer, w, r)
	if !ok {
		return
	}
	var body installRequest
	if err := DecodeJSONBody(w, r, &body); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body: "+err.Error())
		return
	}
	if body.CatalogID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "catalog_id is required")
		return
	}
	rec, err := h.installer.Install(r.Context(), client.ID, body.CatalogID)
	if err != nil {
		WriteErrorMessage(w, http.StatusConflict, "INSTALL_FAILED", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"server": rec})
}
