// Package yamlpatch applies RFC 6902 JSON patches to YAML documents.
package yamlpatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch"
	"gopkg.in/yaml.v3"
)

// Apply applies every patch in order to the YAML (or JSON) document b and
// returns the result as YAML. Comments and key order are not preserved.
func Apply(b []byte, patches ...string) ([]byte, error) {
	if len(patches) == 0 {
		return b, nil
	}

	var v interface{}
	if err := yaml.NewDecoder(bytes.NewReader(b)).Decode(&v); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if v == nil {
		v = map[string]interface{}{}
	}

	doc, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	for i, p := range patches {
		patch, err := jsonpatch.DecodePatch([]byte(p))
		if err != nil {
			return nil, fmt.Errorf("patch %d: %w", i, err)
		}

		for j, op := range patch {
			if err := checkTarget(doc, op); err != nil {
				return nil, fmt.Errorf("patch %d, operation %d: %w", i, j, err)
			}

			doc, err = jsonpatch.Patch{op}.Apply(doc)
			if err != nil {
				return nil, fmt.Errorf("patch %d, operation %d: %w", i, j, err)
			}
		}
	}

	var out interface{}
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// ErrMissingTarget is returned for a replace, remove or test operation whose
// path does not exist in the document.
var ErrMissingTarget = errors.New("path does not exist")

func checkTarget(doc []byte, op jsonpatch.Operation) error {
	switch op.Kind() {
	case "replace", "remove", "test":
	default:
		return nil
	}

	path, err := op.Path()
	if err != nil {
		return err
	}

	var v interface{}
	if err := json.Unmarshal(doc, &v); err != nil {
		return err
	}

	if !exists(v, path) {
		return fmt.Errorf("%s %s: %w", op.Kind(), path, ErrMissingTarget)
	}

	return nil
}

// exists resolves the JSON pointer path against v.
func exists(v interface{}, path string) bool {
	if path == "" {
		return true
	}
	if !strings.HasPrefix(path, "/") {
		return false
	}

	for _, token := range strings.Split(path[1:], "/") {
		token = strings.ReplaceAll(strings.ReplaceAll(token, "~1", "/"), "~0", "~")

		switch n := v.(type) {
		case map[string]interface{}:
			child, ok := n[token]
			if !ok {
				return false
			}
			v = child
		case []interface{}:
			i, err := strconv.Atoi(token)
			if err != nil || i < 0 || i >= len(n) {
				return false
			}
			v = n[i]
		default:
			return false
		}
	}

	return true
}
