//go:build property
// +build property

package config

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestDependencyListProperties checks the shared/external policy over
// generated dependency lists.
func TestDependencyListProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	depGen := gen.SliceOf(gen.IntRange(0, 9).Map(func(i int) string {
		return fmt.Sprintf("dep%d", i)
	}))

	// Property: a bundle is rejected exactly when its lists intersect
	properties.Property("overlap is rejected", prop.ForAll(
		func(require, external []string) bool {
			config := DefaultConfig()
			config.Scripts.Bundles = []BundleConfig{{
				Entry:      "app/assets/js/global.js",
				Dest:       "build/assets/js",
				OutputName: "global.js",
				Require:    require,
				External:   external,
			}}

			overlap := false
			for _, r := range require {
				if contains(external, r) {
					overlap = true
					break
				}
			}

			err := Validate(config)
			return (err != nil) == overlap
		},
		depGen,
		depGen,
	))

	// Property: conflictingDependencies only reports names present in both lists
	properties.Property("conflicts are in both lists", prop.ForAll(
		func(require, external []string) bool {
			for _, dep := range conflictingDependencies(BundleConfig{Require: require, External: external}) {
				if !contains(require, dep) || !contains(external, dep) {
					return false
				}
			}
			return true
		},
		depGen,
		depGen,
	))

	properties.TestingRun(t)
}

// TestPortProperties checks the server port range.
func TestPortProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("ports inside 0-65535 validate", prop.ForAll(
		func(port int) bool {
			config := DefaultConfig()
			config.Server.Development.Port = port
			err := Validate(config)
			valid := port >= 0 && port <= 65535
			return (err == nil) == valid
		},
		gen.IntRange(-1000, 70000),
	))

	properties.TestingRun(t)
}
