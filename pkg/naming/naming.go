// Package naming generates cluster and service names.
//
// Names are lowercase, start with a letter and fit the platform limits of
// 16 characters for clusters and 32 for services.
package naming

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"code.cloudfoundry.org/clock"
)

type Kind string

const (
	Cluster Kind = "cluster"
	Service Kind = "service"
)

func (k Kind) prefix() string {
	if k == Cluster {
		return "cl"
	}
	return "svc-"
}

// MaxLen is the longest name the platform accepts for the kind.
func (k Kind) MaxLen() int {
	if k == Cluster {
		return 16
	}
	return 32
}

// Generator returns a name of the given kind that is not in avoid.
type Generator interface {
	Generate(kind Kind, avoid ...string) string
}

// TimeGenerator derives names from the current minute, so two runs in the
// same minute produce the same base name.
type TimeGenerator struct {
	Clock clock.Clock
}

func NewTimeGenerator(c clock.Clock) *TimeGenerator {
	if c == nil {
		c = clock.NewClock()
	}
	return &TimeGenerator{Clock: c}
}

func (g *TimeGenerator) Generate(kind Kind, avoid ...string) string {
	base := kind.prefix() + g.Clock.Now().UTC().Format("0601021504")

	return firstAvailable(avoid, func(attempt int) string {
		if attempt == 1 {
			return base
		}
		return fmt.Sprintf("%s-%d", base, attempt)
	})
}

// SeededGenerator derives names from a caller-supplied deployment
// identifier, so names are reproducible across runs and machines.
type SeededGenerator struct {
	Seed string
}

func (g *SeededGenerator) Generate(kind Kind, avoid ...string) string {
	prefix := kind.prefix()
	n := 10
	if kind == Service {
		n = 12
	}

	return firstAvailable(avoid, func(attempt int) string {
		sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%s/%d", g.Seed, kind, attempt)))
		return prefix + hex.EncodeToString(sum[:])[:n]
	})
}

func firstAvailable(avoid []string, name func(attempt int) string) string {
	for attempt := 1; ; attempt++ {
		n := name(attempt)
		if !contains(avoid, n) {
			return n
		}
	}
}

func contains(names []string, n string) bool {
	for _, a := range names {
		if strings.EqualFold(a, n) {
			return true
		}
	}
	return false
}
