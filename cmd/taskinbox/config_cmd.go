package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/basket/taskinbox/internal/audit"
	"github.com/basket/taskinbox/internal/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:         "config",
		Short:       "Inspect or edit config.yaml",
		Annotations: map[string]string{annConfigOptional: ""},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), config.ConfigPath(a.cfg.HomeDir))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfgErr != nil {
				return a.cfgErr
			}
			out, err := yaml.Marshal(a.cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get KEY",
		Short: "Print one effective setting, e.g. monitor.poll_interval_seconds",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfgErr != nil {
				return a.cfgErr
			}
			v, err := lookupKey(a.cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Set one setting in config.yaml",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.SetValue(a.cfg.HomeDir, args[0], args[1]); err != nil {
				return err
			}
			audit.Record(cmd.Context(), audit.ActionConfigSet, args[0], 1, args[1])
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default config.yaml if none exists",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wrote, err := config.WriteDefault(a.cfg.HomeDir)
			if err != nil {
				return err
			}
			path := config.ConfigPath(a.cfg.HomeDir)
			if wrote {
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", path)
			}
			return nil
		},
	})
	return cmd
}

// lookupKey resolves a dotted yaml key against the effective config.
func lookupKey(cfg config.Config, key string) (string, error) {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	var node any
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return "", fmt.Errorf("parse config: %w", err)
	}
	for _, part := range strings.Split(key, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return "", usagef("unknown config key %q", key)
		}
		if node, ok = m[part]; !ok {
			return "", usagef("unknown config key %q", key)
		}
	}
	switch v := node.(type) {
	case map[string]any, []any:
		out, err := yaml.Marshal(v)
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(out), "\n"), nil
	case nil:
		return "", nil
	default:
		return fmt.Sprint(v), nil
	}
}
