package imageresolver

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/PaesslerAG/jsonpath"
	"github.com/variantdev/inferdeploy/pkg/vhttpget"
)

const DefaultJSONPath = "$.images[*]"

// JSONCatalog reads entries out of a JSON document served over HTTP.
// Path selects the entry objects, each carrying name, version and location.
type JSONCatalog struct {
	Getter vhttpget.Getter
	URL    string
	Path   string
}

func (c *JSONCatalog) Lookup(ctx context.Context, name string) ([]CatalogEntry, error) {
	body, err := c.Getter.DoRequest(ctx, c.URL, vhttpget.Header("Accept", "application/json"))
	if err != nil {
		return nil, err
	}

	var doc interface{}
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", c.URL, err)
	}

	p := c.Path
	if p == "" {
		p = DefaultJSONPath
	}

	selected, err := jsonpath.Get(p, doc)
	if err != nil {
		return nil, fmt.Errorf("evaluating %s against catalog %s: %w", p, c.URL, err)
	}

	var items []interface{}
	switch s := selected.(type) {
	case []interface{}:
		items = s
	case map[string]interface{}:
		items = []interface{}{s}
	default:
		return nil, fmt.Errorf("catalog %s: %s selected %T, want objects", c.URL, p, selected)
	}

	var entries []CatalogEntry
	for i, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("catalog %s: entry %d is %T, want object", c.URL, i, item)
		}

		n, _ := obj["name"].(string)
		if n != name {
			continue
		}

		v, ok := obj["version"].(float64)
		if !ok || v != math.Trunc(v) {
			return nil, fmt.Errorf("catalog %s: entry %d for %s has non-integer version %v", c.URL, i, name, obj["version"])
		}

		loc, _ := obj["location"].(string)

		entries = append(entries, CatalogEntry{Name: n, Version: int(v), Location: loc})
	}

	return entries, nil
}
