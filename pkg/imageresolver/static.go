package imageresolver

import "context"

// StaticCatalog is a fixed in-memory catalog.
type StaticCatalog []CatalogEntry

func (c StaticCatalog) Lookup(_ context.Context, name string) ([]CatalogEntry, error) {
	var entries []CatalogEntry
	for _, e := range c {
		if e.Name == name {
			entries = append(entries, e)
		}
	}
	return entries, nil
}
