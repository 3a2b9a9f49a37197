package cli

import (
	"io"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/vpcsh/vpcsh/internal/config"
	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/internal/history"
	"github.com/vpcsh/vpcsh/internal/inventory"
	"github.com/vpcsh/vpcsh/internal/logger"
	"github.com/vpcsh/vpcsh/pkg/sshutil"
	"golang.org/x/term"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

// app is what every command works with once config is loaded. Tests build
// one directly with fakes in place of the network and the terminal.
type app struct {
	cfg *config.Config
	log logger.Logger

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	// stdinPiped means stdin is a pipe or file rather than a terminal.
	stdinPiped bool
	stdinTTY   bool
	stdoutTTY  bool
	stderrTTY  bool

	newConnector func(cfg *config.Config) sshutil.Connector
	newResolver  func(cfg *config.Config, log logger.Logger) (inventory.Resolver, error)
	openHistory  func(path string) (*history.Store, error)
	confirm      func(title, description string) (bool, error)
}

func newApp(cfg *config.Config, log logger.Logger) *app {
	return &app{
		cfg:          cfg,
		log:          log,
		stdin:        os.Stdin,
		stdout:       os.Stdout,
		stderr:       os.Stderr,
		stdinPiped:   isPiped(os.Stdin),
		stdinTTY:     term.IsTerminal(int(os.Stdin.Fd())),
		stdoutTTY:    term.IsTerminal(int(os.Stdout.Fd())),
		stderrTTY:    term.IsTerminal(int(os.Stderr.Fd())),
		newConnector: dialerFor,
		newResolver:  resolverFor,
		openHistory:  history.Open,
		confirm:      confirmPrompt,
	}
}

func (a *app) format() string {
	if a.cfg == nil || a.cfg.Output.Format == "" {
		return formatText
	}
	return a.cfg.Output.Format
}

// isPiped reports whether f is a pipe or a regular file. /dev/null and
// terminals are character devices and don't count.
func isPiped(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice == 0
}

// dialerFor builds the real SSH connector from config.
func dialerFor(cfg *config.Config) sshutil.Connector {
	return sshutil.NewDialer(sshutil.Options{
		KeyFile:               cfg.PrivateKey,
		ConnectTimeout:        cfg.ConnectTimeout,
		StrictHostKeyChecking: cfg.StrictHostKeyChecking,
		SSHConfigPath:         cfg.Inventory.SSHConfigPath,
	})
}

// resolverFor picks the inventory source named in config.
func resolverFor(cfg *config.Config, log logger.Logger) (inventory.Resolver, error) {
	switch cfg.Inventory.Source {
	case config.SourceSSHConfig:
		return inventory.NewSSHConfigResolver(cfg.Inventory.SSHConfigPath, log), nil
	case config.SourceEC2, "":
		return inventory.NewEC2Resolver(cfg.AWS, log)
	default:
		return nil, errors.New(errors.ErrConfig,
			"Unknown inventory source: "+cfg.Inventory.Source,
			"Set inventory.source to ec2 or ssh_config")
	}
}

// confirmPrompt asks a yes/no question with huh.
func confirmPrompt(title, description string) (bool, error) {
	var ok bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(description).
				Value(&ok),
		),
	)
	if err := form.Run(); err != nil {
		return false, err
	}
	return ok, nil
}
