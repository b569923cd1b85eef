package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/icloudsync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var f syncFlags

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration for an account after all overrides",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigShow(cmd, &f)
		},
	}

	addSyncFlags(cmd, &f)

	return cmd
}

func runConfigShow(cmd *cobra.Command, f *syncFlags) error {
	cc := mustCLIContext(cmd.Context())

	env := config.ReadEnvOverrides()
	cli := f.asCLIOverrides(cmd)

	rr, err := config.ResolveRun(cc.Cfg, flagUsername, env, cli)
	if err != nil {
		return err
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(rr)
	}

	return config.RenderEffective(rr, os.Stdout)
}
