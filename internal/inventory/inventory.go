// Package inventory turns selection criteria into an ordered list of
// fleet targets.
package inventory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/internal/fleet"
)

// Filter selects targets. Zero values select everything the source has.
type Filter struct {
	// Tags must all match (tag name to value).
	Tags map[string]string

	// Skip drops targets by ID. Only, when non-empty, keeps just these IDs.
	Skip []string
	Only []string

	// LaunchedAfter/LaunchedBefore bound the instance launch time.
	LaunchedAfter  time.Time
	LaunchedBefore time.Time
}

// HasLaunchWindow reports whether either launch bound is set.
func (f Filter) HasLaunchWindow() bool {
	return !f.LaunchedAfter.IsZero() || !f.LaunchedBefore.IsZero()
}

// Resolver produces targets from some inventory source.
type Resolver interface {
	// Resolve returns every target matching f, in a stable order.
	Resolve(ctx context.Context, f Filter) ([]fleet.Target, error)
	// Lookup returns the single target with the given ID.
	Lookup(ctx context.Context, id string) (fleet.Target, error)
}

// ParseTagFilters parses "name=value" pairs. The value may contain '='.
func ParseTagFilters(raw []string) (map[string]string, error) {
	tags := make(map[string]string, len(raw))
	for _, item := range raw {
		name, value, ok := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, errors.New(errors.ErrConfig,
				fmt.Sprintf("Tag filter '%s' isn't in name=value form", item),
				"Write filters like -f Environment=prod -f Role=web")
		}
		if prev, dup := tags[name]; dup && prev != value {
			return nil, errors.New(errors.ErrConfig,
				fmt.Sprintf("Tag '%s' is filtered twice with different values", name),
				"Each tag can only be matched against one value")
		}
		tags[name] = value
	}
	return tags, nil
}

// keep applies the ID and launch-time parts of f.
func (f Filter) keep(id string, launched time.Time) bool {
	for _, s := range f.Skip {
		if s == id {
			return false
		}
	}
	if len(f.Only) > 0 {
		found := false
		for _, o := range f.Only {
			if o == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.LaunchedAfter.IsZero() && launched.Before(f.LaunchedAfter) {
		return false
	}
	if !f.LaunchedBefore.IsZero() && !launched.Before(f.LaunchedBefore) {
		return false
	}
	return true
}

// sortTargets orders by name, then ID, so repeated runs print hosts in the
// same order.
func sortTargets(targets []fleet.Target) {
	sort.SliceStable(targets, func(i, j int) bool {
		if targets[i].Name != targets[j].Name {
			return targets[i].Name < targets[j].Name
		}
		return targets[i].ID < targets[j].ID
	})
}
