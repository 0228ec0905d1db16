package marketplace

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// cachePath, when set via WithCacheFile, is the on-disk JSON document the
// Registry mirrors its listings into so a restarted gateway doesn't start
// with an empty catalog — the local mirror lr-marketplace's registry keeps
// of the last successful sync, without this package owning the network
// fetch that populates it (the marketplace catalog fetcher is an external
// collaborator, §1).
type cacheDoc struct {
	Listings []Listing `json:"listings"`
}

// WithCacheFile points an already-constructed Registry at a cache file: if
// it exists, its listings are loaded immediately; every subsequent Add
// patches just that one listing into the file in place rather than
// rewriting the whole document, so a catalog of thousands of listings
// doesn't pay a full re-marshal per install.
func (r *Registry) WithCacheFile(path string) (*Registry, error) {
	r.cachePath = path
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading marketplace cache %s: %w", path, err)
	}
	result := gjson.GetBytes(data, "listings")
	if !result.Exists() {
		return r, nil
	}
	for _, entry := range result.Array() {
		var l Listing
		if err := json.Unmarshal([]byte(entry.Raw), &l); err != nil {
			continue
		}
		r.Add(l)
	}
	return r, nil
}

// persist patches l into the cache file at the index it occupies in
// r.order, using sjson's in-place field set rather than re-marshaling
// every listing already on disk. A cache miss (no file yet, or the index
// doesn't exist in the current document) falls back to writing the whole
// document once, after which subsequent patches stay incremental.
func (r *Registry) persist(index int, l Listing) error {
	if r.cachePath == "" {
		return nil
	}
	existing, err := os.ReadFile(r.cachePath)
	if err != nil {
		return r.writeFullCache()
	}
	path := fmt.Sprintf("listings.%d", index)
	patched, err := sjson.SetBytes(existing, path, l)
	if err != nil {
		return r.writeFullCache()
	}
	return os.WriteFile(r.cachePath, patched, 0o644)
}

func (r *Registry) writeFullCache() error {
	doc := cacheDoc{Listings: make([]Listing, 0, len(r.order))}
	for _, id := range r.order {
		doc.Listings = append(doc.Listings, r.listings[id])
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling marketplace cache: %w", err)
	}
	return os.WriteFile(r.cachePath, data, 0o644)
}
