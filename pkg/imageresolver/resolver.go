// Package imageresolver turns an image (name, version) pair into the
// concrete registry location of exactly one image.
package imageresolver

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/distribution/reference"
	"github.com/go-logr/logr"
	"github.com/variantdev/inferdeploy/pkg/deployapi"
	"k8s.io/klog/v2"
)

// CatalogEntry is one image known to a catalog.
type CatalogEntry struct {
	Name     string `json:"name"`
	Version  int    `json:"version"`
	Location string `json:"location"`
}

// Catalog lists every entry the catalog knows for an image name. Entries
// for other names may be included; the resolver filters them out.
type Catalog interface {
	Lookup(ctx context.Context, name string) ([]CatalogEntry, error)
}

// Pinner is implemented by catalogs that can replace a mutable location
// with an immutable one, e.g. by appending the manifest digest.
type Pinner interface {
	Pin(ctx context.Context, entry CatalogEntry) (string, error)
}

type Resolver struct {
	catalog Catalog

	Logger logr.Logger
}

type Option interface {
	SetOption(r *Resolver) error
}

func Logger(logger logr.Logger) Option {
	return &loggerOption{l: logger}
}

type loggerOption struct {
	l logr.Logger
}

func (o *loggerOption) SetOption(r *Resolver) error {
	r.Logger = o.l
	return nil
}

func New(catalog Catalog, opts ...Option) (*Resolver, error) {
	if catalog == nil {
		return nil, errors.New("catalog is required")
	}

	r := &Resolver{catalog: catalog}

	for _, o := range opts {
		if err := o.SetOption(r); err != nil {
			return nil, err
		}
	}

	if r.Logger.GetSink() == nil {
		r.Logger = klog.NewKlogr()
	}

	return r, nil
}

// Resolve returns the single image matching name and version. It fails
// with *deployapi.NotFoundError when nothing matches and with
// *deployapi.AmbiguousReferenceError when more than one distinct location
// matches.
func (r *Resolver) Resolve(ctx context.Context, name string, version int) (deployapi.ImageReference, error) {
	if name == "" {
		return deployapi.ImageReference{}, errors.New("image name is required")
	}

	entries, err := r.catalog.Lookup(ctx, name)
	if err != nil {
		return deployapi.ImageReference{}, fmt.Errorf("looking up image %s: %w", name, err)
	}

	var matches []CatalogEntry
	seen := map[string]bool{}

	for _, e := range entries {
		if e.Name != name || e.Version != version {
			continue
		}

		loc, err := normalizeLocation(e.Location)
		if err != nil {
			return deployapi.ImageReference{}, fmt.Errorf("catalog entry %s version %d: %w", name, version, err)
		}

		if seen[loc] {
			continue
		}
		seen[loc] = true

		e.Location = loc
		matches = append(matches, e)
	}

	r.Logger.V(1).Info("image.resolve", "name", name, "version", version, "candidates", len(entries), "matches", len(matches))

	switch len(matches) {
	case 0:
		return deployapi.ImageReference{}, &deployapi.NotFoundError{Name: name, Version: version}
	case 1:
	default:
		var candidates []string
		for _, m := range matches {
			candidates = append(candidates, m.Location)
		}
		sort.Strings(candidates)
		return deployapi.ImageReference{}, &deployapi.AmbiguousReferenceError{Name: name, Version: version, Candidates: candidates}
	}

	match := matches[0]

	if p, ok := r.catalog.(Pinner); ok {
		pinned, err := p.Pin(ctx, match)
		if err != nil {
			return deployapi.ImageReference{}, fmt.Errorf("pinning %s: %w", match.Location, err)
		}
		if match.Location, err = normalizeLocation(pinned); err != nil {
			return deployapi.ImageReference{}, err
		}
	}

	return deployapi.ImageReference{Name: name, Version: version, Location: match.Location}, nil
}

func normalizeLocation(loc string) (string, error) {
	if loc == "" {
		return "", errors.New("empty image location")
	}

	named, err := reference.ParseNormalizedNamed(loc)
	if err != nil {
		return "", fmt.Errorf("invalid image location %q: %w", loc, err)
	}

	return named.String(), nil
}
