// Package cli implements the vpcsh command-line interface.
//
// Each Cobra command is a thin wrapper that hands its flags to a plain
// function taking an *app, so the work can be tested without a terminal,
// a network or AWS. The general structure:
//
//   - Command definitions (cobra.Command instances)
//   - The app: loaded config, logger, stdio and factories for the SSH
//     connector, the inventory resolver and the history store
//   - Implementation details (in other internal packages)
//
// # Command Structure
//
//	vpcsh run [command]                  - Run on every matching host
//	vpcsh run-one <instance-id> [cmd]    - Run on one host
//	vpcsh hosts                          - List matching hosts
//	vpcsh clean                          - Remove leftover script dirs
//	vpcsh doctor                         - Check config, keys and inventory
//	vpcsh history [show <id>|prune]      - Past runs
//	vpcsh config [init|set|show|path]    - Manage the config file
//	vpcsh version | completion
//
// # Run Flow
//
//  1. Load and validate config (PersistentPreRunE)
//  2. Read the command, or the script piped on stdin
//  3. Resolve targets from the inventory source
//  4. Ask for confirmation above confirm_threshold
//  5. Stage the script, if any
//  6. Dispatch, streaming one block per host
//  7. Record history, print the summary, pick the exit status
//
// # Flag Handling
//
// Global flags are bound to viper keys, so each one can also come from
// the config file or a VPCSH_* environment variable. Flags win, then the
// environment, then the file, then defaults.
//
// # Exit Status
//
// 0 when every host ran the command and exited 0, 1 when any host did
// not (unless --ignore-errors), 2 for configuration errors.
package cli
