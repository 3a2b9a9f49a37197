package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/internal/fleet"
	"github.com/vpcsh/vpcsh/internal/logger"
	"github.com/vpcsh/vpcsh/internal/util"
	"github.com/vpcsh/vpcsh/pkg/sshutil"
)

// SSHConfigResolver treats every concrete Host alias in an ssh_config file
// as a target. Useful outside AWS or against a bastion-reachable fleet.
type SSHConfigResolver struct {
	// Path of the ssh_config file. Empty means ~/.ssh/config.
	Path string
	log  logger.Logger
}

// NewSSHConfigResolver returns a resolver reading path.
func NewSSHConfigResolver(path string, log logger.Logger) *SSHConfigResolver {
	if log == nil {
		log = logger.Noop()
	}
	return &SSHConfigResolver{Path: path, log: logger.WithPrefix(log, "[inventory]")}
}

// Resolve returns aliases matching f. Tags and launch times don't exist in
// ssh_config, so filters on them are rejected rather than ignored.
func (r *SSHConfigResolver) Resolve(_ context.Context, f Filter) ([]fleet.Target, error) {
	if len(f.Tags) > 0 || f.HasLaunchWindow() {
		return nil, errors.New(errors.ErrConfig,
			"Tag and launch-time filters need the ec2 inventory",
			"Use --skip/--only with host aliases, or set inventory.source to ec2")
	}

	entries, err := r.entries()
	if err != nil {
		return nil, err
	}

	var targets []fleet.Target
	for _, e := range entries {
		if !f.keep(e.Alias, time.Time{}) {
			r.log.Debug("skipping %s (%s)", e.Alias, e.Description())
			continue
		}
		targets = append(targets, entryTarget(e))
	}
	sortTargets(targets)
	r.log.Debug("resolved %d host(s) from %s", len(targets), r.describePath())
	return targets, nil
}

// Lookup finds a single alias.
func (r *SSHConfigResolver) Lookup(_ context.Context, id string) (fleet.Target, error) {
	entries, err := r.entries()
	if err != nil {
		return fleet.Target{}, err
	}

	aliases := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Alias == id {
			return entryTarget(e), nil
		}
		aliases = append(aliases, e.Alias)
	}

	suggestion := "Run 'vpcsh hosts' to see the configured aliases"
	if similar := util.SuggestSimilar(id, aliases, 3); len(similar) > 0 {
		suggestion = fmt.Sprintf("Did you mean '%s'?", similar[0])
	}
	return fleet.Target{}, errors.New(errors.ErrInventory,
		fmt.Sprintf("Host '%s' not found in %s", id, r.describePath()),
		suggestion)
}

func (r *SSHConfigResolver) entries() ([]sshutil.SSHHostEntry, error) {
	var (
		entries []sshutil.SSHHostEntry
		err     error
	)
	if r.Path == "" {
		entries, err = sshutil.ParseSSHConfig()
	} else {
		entries, err = sshutil.ParseSSHConfigFile(r.Path)
	}
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrInventory,
			"Failed to read "+r.describePath(),
			"Check the file exists and is valid ssh_config syntax")
	}
	return entries, nil
}

func (r *SSHConfigResolver) describePath() string {
	if r.Path == "" {
		return "~/.ssh/config"
	}
	return r.Path
}

func entryTarget(e sshutil.SSHHostEntry) fleet.Target {
	return fleet.Target{ID: e.Alias, Name: e.Alias, Address: e.Address()}
}

var _ Resolver = (*SSHConfigResolver)(nil)
