package marketplace

import (
	"context"
	"fmt"

	"github.com/localrouter/gateway/configmodel"
	"github.com/localrouter/gateway/interaction"
)

// ServerInstaller is the narrow slice of the Config Store an Installer
// needs to land an accepted listing — satisfied structurally by
// *gateway.MemoryConfigStore. Kept separate from gateway.ConfigStore (which
// is read-only) so this package never needs to import gateway itself.
type ServerInstaller interface {
	PutServer(configmodel.UpstreamServerRecord)
}

// NotifyFunc pushes an install-approval prompt to a client. The caller
// (gateway.Router) wraps its own notification sink around this so
// marketplace never needs to know about the wire protocol.
type NotifyFunc func(clientID string, payload map[string]any)

// Installer turns an approved catalog Listing into a live Upstream Server
// Record, gating the install behind a Pending Install Approval Interaction
// exactly as sampling and firewall prompts gate their own upstream-
// initiated requests.
type Installer struct {
	registry  *Registry
	approvals *interaction.InstallApprovals
	store     ServerInstaller
	notify    NotifyFunc
}

func NewInstaller(registry *Registry, approvals *interaction.InstallApprovals, store ServerInstaller, notify NotifyFunc) *Installer {
	return &Installer{registry: registry, approvals: approvals, store: store, notify: notify}
}

// Install looks up catalogID, asks clientID's user to approve it, and on
// approval upserts a new enabled server record into the store keyed by the
// listing's CatalogID — a second Install of the same listing upserts rather
// than duplicates, matching the Config Store's replace-by-ID semantics.
func (i *Installer) Install(ctx context.Context, clientID, catalogID string) (configmodel.UpstreamServerRecord, error) {
	listing, ok := i.registry.Get(catalogID)
	if !ok {
		return configmodel.UpstreamServerRecord{}, fmt.Errorf("marketplace: unknown catalog id %q", catalogID)
	}
	if i.approvals == nil {
		return configmodel.UpstreamServerRecord{}, fmt.Errorf("marketplace: no install approval manager configured")
	}

	pending := i.approvals.Create("", interaction.InstallApprovalRequest{
		CatalogID: listing.CatalogID,
		Name:      listing.Name,
		Publisher: listing.Publisher,
	})
	if i.notify != nil {
		i.notify(clientID, map[string]any{
			"request_id": pending.ID,
			"catalog_id": listing.CatalogID,
			"name":       listing.Name,
			"publisher":  listing.Publisher,
		})
	}
	resp, err := i.approvals.Await(ctx, pending, interaction.InstallApprovalTTL)
	if err != nil {
		return configmodel.UpstreamServerRecord{}, err
	}
	if !resp.Approved {
		return configmodel.UpstreamServerRecord{}, fmt.Errorf("marketplace: install of %q declined by client", listing.Name)
	}

	rec := configmodel.UpstreamServerRecord{
		ID:        listing.CatalogID,
		Name:      listing.Name,
		Transport: configmodel.TransportKind(listing.Transport),
		Command:   listing.Command,
		Args:      listing.Args,
		Env:       listing.Env,
		Endpoint:  listing.Endpoint,
		Auth:      configmodel.AuthNone,
		Enabled:   true,
	}
	i.store.PutServer(rec)
	return rec, nil
}
