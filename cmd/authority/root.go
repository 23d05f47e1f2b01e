package main

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm/authority/pkg/config"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	ProfileDir string
	Profile    string
	Format     string

	cfg    *config.Config
	stdout io.Writer
	stderr io.Writer
}

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

func isUsageError(err error) bool {
	var u usageError
	return errors.As(err, &u)
}

// NewRootCommand creates the root command.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &RootOptions{stdout: stdout, stderr: stderr}

	cmd := &cobra.Command{
		Use:           "authority",
		Short:         "Authority and replay governance plane",
		Long:          "Seal decision envelopes, verify replays, gate privileged calls and resolve territories.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return usagef("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return opts.loadConfig()
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "YAML configuration file (environment variables still win)")
	cmd.PersistentFlags().StringVar(&opts.ProfileDir, "profile-dir", "config", "directory holding profile_<name>.yaml files")
	cmd.PersistentFlags().StringVar(&opts.Profile, "profile", "", "named configuration profile")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newSeedCommand(opts))
	cmd.AddCommand(newTerritoryCommand(opts))
	cmd.AddCommand(newEnvelopeCommand(opts))
	cmd.AddCommand(newReplayCommand(opts))
	cmd.AddCommand(newGateCommand(opts))
	cmd.AddCommand(newVersionCommand(opts))

	return cmd
}

func (o *RootOptions) loadConfig() error {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case o.ConfigFile != "" && o.Profile != "":
		return usagef("--config and --profile are mutually exclusive")
	case o.ConfigFile != "":
		cfg, err = config.LoadFile(o.ConfigFile)
	case o.Profile != "":
		if err := o.checkProfile(); err != nil {
			return err
		}
		cfg, err = config.LoadProfile(o.ProfileDir, o.Profile)
	default:
		cfg = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	o.cfg = cfg
	return nil
}

func (o *RootOptions) checkProfile() error {
	names, err := config.ListProfiles(o.ProfileDir)
	if err != nil {
		return err
	}
	for _, n := range names {
		if n == strings.ToLower(o.Profile) {
			return nil
		}
	}
	if len(names) == 0 {
		return usagef("unknown profile %q: no profiles in %s", o.Profile, o.ProfileDir)
	}
	return usagef("unknown profile %q: available profiles are %s", o.Profile, strings.Join(names, ", "))
}
