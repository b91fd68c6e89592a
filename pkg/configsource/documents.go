package configsource

import (
	"context"
	"errors"
	"fmt"

	"github.com/variantdev/inferdeploy/pkg/deployapi"
	"github.com/variantdev/inferdeploy/pkg/yamlpatch"
)

// Pointer names the image version to deploy.
type Pointer struct {
	Name    string `json:"name" yaml:"name"`
	Version int    `json:"version" yaml:"version"`
}

// LoadConfig reads a deployment configuration and applies the JSON patches
// to it in order. Fields the document leaves out keep the values of
// deployapi.DefaultConfig.
func (l *Loader) LoadConfig(ctx context.Context, src string, patches ...string) (deployapi.Config, error) {
	cfg := deployapi.DefaultConfig()

	b, err := l.ReadFile(ctx, src)
	if err != nil {
		return deployapi.Config{}, err
	}

	if len(patches) == 0 {
		err = l.decode(src, b, &cfg)
	} else if b, err = yamlpatch.Apply(b, patches...); err == nil {
		err = l.decodeYAML(src, b, &cfg)
	}
	if err != nil {
		return deployapi.Config{}, fmt.Errorf("%w: %v", deployapi.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return deployapi.Config{}, fmt.Errorf("%s: %w", src, err)
	}

	return cfg, nil
}

// LoadPointer reads an image pointer file.
func (l *Loader) LoadPointer(ctx context.Context, src string) (Pointer, error) {
	var p Pointer

	if err := l.Unmarshal(ctx, src, &p); err != nil {
		return Pointer{}, err
	}

	if p.Name == "" {
		return Pointer{}, errors.New(src + ": image pointer has no name")
	}
	if p.Version < 1 {
		return Pointer{}, fmt.Errorf("%s: image pointer version must be at least 1, got %d", src, p.Version)
	}

	return p, nil
}
