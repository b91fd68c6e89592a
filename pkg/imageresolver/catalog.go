package imageresolver

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/variantdev/inferdeploy/pkg/dockerregistry"
	"github.com/variantdev/inferdeploy/pkg/vhttpget"
)

// ParseCatalog builds a catalog from its command-line form:
//
//	registry:https://registry.example.com/namespace[#digest]
//	json:https://catalog.example.com/images.json[#$.images[*]]
func ParseCatalog(spec string, getter vhttpget.Getter, registryOpts ...dockerregistry.Option) (Catalog, error) {
	kind, rest, ok := strings.Cut(spec, ":")
	if !ok || rest == "" {
		return nil, fmt.Errorf("invalid catalog %q: want registry:URL or json:URL", spec)
	}

	location, fragment, _ := strings.Cut(rest, "#")

	switch kind {
	case "registry":
		u, err := url.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("invalid catalog %q: %w", spec, err)
		}

		if fragment != "" && fragment != "digest" {
			return nil, fmt.Errorf("invalid catalog %q: unknown registry option %q", spec, fragment)
		}

		client, err := dockerregistry.New(u.Scheme+"://"+u.Host, registryOpts...)
		if err != nil {
			return nil, err
		}

		return &RegistryCatalog{
			Client:    client,
			Namespace: strings.Trim(u.Path, "/"),
			PinDigest: fragment == "digest",
		}, nil
	case "json":
		if getter == nil {
			getter = vhttpget.New()
		}
		return &JSONCatalog{Getter: getter, URL: location, Path: fragment}, nil
	}

	return nil, fmt.Errorf("invalid catalog %q: unknown kind %q", spec, kind)
}
