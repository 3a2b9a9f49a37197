package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/internal/inventory"
)

// FilterFlags holds the host selection flags shared by run and hosts.
type FilterFlags struct {
	Tags           []string
	Skip           []string
	Only           []string
	LaunchedAfter  string
	LaunchedBefore string
}

// AddFilterFlags registers -f, --skip, --only and the launch window flags.
func AddFilterFlags(cmd *cobra.Command, flags *FilterFlags) {
	cmd.Flags().StringArrayVarP(&flags.Tags, "filter", "f", nil, `match a tag, in the form "name=value" (repeatable)`)
	cmd.Flags().StringSliceVar(&flags.Skip, "skip", nil, "instance ids to leave out")
	cmd.Flags().StringSliceVar(&flags.Only, "only", nil, "run only on these instance ids")
	cmd.Flags().StringVar(&flags.LaunchedAfter, "launched-after", "", "only instances launched at or after this time (2006-01-02 or RFC 3339)")
	cmd.Flags().StringVar(&flags.LaunchedBefore, "launched-before", "", "only instances launched before this time")
}

// Filter turns the flags into an inventory filter.
func (f FilterFlags) Filter() (inventory.Filter, error) {
	tags, err := inventory.ParseTagFilters(f.Tags)
	if err != nil {
		return inventory.Filter{}, err
	}
	after, err := ParseLaunchTime("--launched-after", f.LaunchedAfter)
	if err != nil {
		return inventory.Filter{}, err
	}
	before, err := ParseLaunchTime("--launched-before", f.LaunchedBefore)
	if err != nil {
		return inventory.Filter{}, err
	}
	if !after.IsZero() && !before.IsZero() && !after.Before(before) {
		return inventory.Filter{}, errors.New(errors.ErrConfig,
			"--launched-after must be earlier than --launched-before",
			"Swap the two dates or widen the window")
	}
	return inventory.Filter{
		Tags:           tags,
		Skip:           f.Skip,
		Only:           f.Only,
		LaunchedAfter:  after,
		LaunchedBefore: before,
	}, nil
}

var launchTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseLaunchTime parses a date or timestamp flag. Dates without a zone
// are UTC. Returns the zero time if the flag is empty.
func ParseLaunchTime(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range launchTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New(errors.ErrConfig,
		fmt.Sprintf("'%s' doesn't look like a valid %s time", value, name),
		"Try something like 2024-03-01 or 2024-03-01T15:04:05Z.")
}
