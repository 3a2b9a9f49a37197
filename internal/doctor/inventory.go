package doctor

import (
	"context"
	"fmt"
	"time"

	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/internal/history"
	"github.com/vpcsh/vpcsh/internal/inventory"
)

// DefaultInventoryTimeout bounds the inventory lookup.
const DefaultInventoryTimeout = 15 * time.Second

// InventoryCheck lists every host the source has, without filters.
type InventoryCheck struct {
	Source   string
	Resolver inventory.Resolver
	// Err is set when the resolver couldn't be built.
	Err     error
	Timeout time.Duration
}

func (c *InventoryCheck) Name() string     { return "inventory" }
func (c *InventoryCheck) Category() string { return "INVENTORY" }

func (c *InventoryCheck) Run(ctx context.Context) CheckResult {
	if c.Err != nil {
		return c.failure(c.Err)
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultInventoryTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	targets, err := c.Resolver.Resolve(ctx, inventory.Filter{})
	if err != nil {
		return c.failure(err)
	}
	if len(targets) == 0 {
		return CheckResult{
			Name:       c.Name(),
			Status:     StatusWarn,
			Message:    fmt.Sprintf("%s: no hosts found", c.Source),
			Suggestion: "Check the region and that instances are running",
		}
	}
	return CheckResult{
		Name:    c.Name(),
		Status:  StatusPass,
		Message: fmt.Sprintf("%s: %d host%s", c.Source, len(targets), pluralize(len(targets))),
	}
}

func (c *InventoryCheck) failure(err error) CheckResult {
	suggestion := "Check AWS credentials: aws sts get-caller-identity"
	if errors.IsCode(err, errors.ErrConfig) {
		suggestion = "Set inventory.source to ec2 or ssh_config"
	}
	return CheckResult{
		Name:       c.Name(),
		Status:     StatusFail,
		Message:    fmt.Sprintf("%s: %s", c.Source, errors.ShortMessage(err)),
		Suggestion: suggestion,
	}
}

func (c *InventoryCheck) Fix() error { return nil }

// HistoryCheck opens the history database when history is on.
type HistoryCheck struct {
	Enabled bool
	Path    string
	Open    func(path string) (*history.Store, error)
}

func (c *HistoryCheck) Name() string     { return "history" }
func (c *HistoryCheck) Category() string { return "HISTORY" }

func (c *HistoryCheck) Run(ctx context.Context) CheckResult {
	if !c.Enabled {
		return CheckResult{
			Name:    c.Name(),
			Status:  StatusPass,
			Message: "History off",
		}
	}
	store, err := c.Open(c.Path)
	if err != nil {
		return CheckResult{
			Name:       c.Name(),
			Status:     StatusFail,
			Message:    errors.ShortMessage(err),
			Suggestion: "Check history.path is writable, or turn history off",
		}
	}
	defer store.Close()

	runs, err := store.ListRecent(ctx, 1)
	if err != nil {
		return CheckResult{
			Name:       c.Name(),
			Status:     StatusFail,
			Message:    errors.ShortMessage(err),
			Suggestion: "Move " + c.Path + " aside to start a fresh history",
		}
	}
	msg := "History: " + c.Path
	if len(runs) > 0 {
		msg += ", last run " + runs[0].StartedAt.Local().Format("2006-01-02 15:04")
	}
	return CheckResult{
		Name:    c.Name(),
		Status:  StatusPass,
		Message: msg,
	}
}

func (c *HistoryCheck) Fix() error { return nil }
