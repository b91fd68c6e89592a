package imageresolver

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/distribution/reference"
	"github.com/variantdev/inferdeploy/pkg/dockerregistry"
	"github.com/variantdev/inferdeploy/pkg/semver"
)

// RegistryCatalog treats the tags of a registry repository as image
// versions. A tag denotes version N when it parses as N.0.0, so a
// repository carrying both "3" and "v3" has two candidates for version 3.
type RegistryCatalog struct {
	Client *dockerregistry.Client

	// Namespace is prepended to the image name to form the repository path.
	Namespace string

	// PinDigest appends the manifest digest to the resolved location.
	PinDigest bool
}

func (c *RegistryCatalog) repository(name string) string {
	return path.Join(c.Namespace, name)
}

func (c *RegistryCatalog) Lookup(ctx context.Context, name string) ([]CatalogEntry, error) {
	repo := c.repository(name)

	tags, err := c.Client.Tags(ctx, repo)
	if errors.Is(err, dockerregistry.ErrUnknownRepository) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []CatalogEntry
	for _, tag := range tags {
		v, ok := semver.ImageVersion(tag)
		if !ok {
			continue
		}

		entries = append(entries, CatalogEntry{
			Name:     name,
			Version:  v,
			Location: fmt.Sprintf("%s/%s:%s", c.Client.Host(), repo, tag),
		})
	}

	return entries, nil
}

func (c *RegistryCatalog) Pin(ctx context.Context, entry CatalogEntry) (string, error) {
	if !c.PinDigest {
		return entry.Location, nil
	}

	named, err := reference.ParseNormalizedNamed(entry.Location)
	if err != nil {
		return "", err
	}

	tagged, ok := named.(reference.NamedTagged)
	if !ok {
		return "", fmt.Errorf("location %s has no tag", entry.Location)
	}

	d, err := c.Client.Digest(ctx, c.repository(entry.Name), tagged.Tag())
	if err != nil {
		return "", err
	}

	pinned, err := reference.WithDigest(tagged, d)
	if err != nil {
		return "", err
	}

	return pinned.String(), nil
}
