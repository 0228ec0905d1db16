package edge

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/localrouter/gateway/gateway"
	"github.com/localrouter/gateway/skills"
)

// skillsHandler serves skill discovery: given a directory, it scans for
// SKILL.md-bearing skill folders and returns their parsed metadata, the
// same catalog a desktop client would otherwise build by walking its own
// skills directory.
type skillsHandler struct {
	store  gateway.ConfigStore
	issuer *tokenIssuer
	logger *zap.Logger
}

func newSkillsHandler(store gateway.ConfigStore, issuer *tokenIssuer, logger *zap.Logger) *skillsHandler {
	return &skillsHandler{store: store, issuer: issuer, logger: logger.With(zap.String("component", "edge.skills"))}
}

func (h *skillsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	client, ok := requireAuth(h.store, h.issuer, w, r)
	if !ok {
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "path query parameter is required")
		return
	}
	defs, err := skills.Discover(path)
	if err != nil {
		WriteErrorMessage(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}

	type skillOut struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Version     string   `json:"version,omitempty"`
		Tags        []string `json:"tags,omitempty"`
		ContentHash string   `json:"content_hash"`
		Allowed     bool     `json:"allowed"`
	}
	out := make([]skillOut, 0, len(defs))
	for _, d := range defs {
		out = append(out, skillOut{
			Name:        d.Metadata.Name,
			Description: d.Metadata.Description,
			Version:     d.Metadata.Version,
			Tags:        d.Metadata.Tags,
			ContentHash: d.ContentHash,
			Allowed:     client.PermissionFor("skill", d.Metadata.Name),
		})
	}
	WriteJSON(w, http.StatusOK, map[string]any{"skills": out})
}
