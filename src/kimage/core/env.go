package core

import (
	"fmt"

	"github.com/bitswalk/kimage/src/common/cli"
	"github.com/bitswalk/kimage/src/common/errors"
	"github.com/bitswalk/kimage/src/kimage/db"
	"github.com/bitswalk/kimage/src/kimage/envconfig"
	"github.com/bitswalk/kimage/src/kimage/output"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Manage the toolchain environment",
}

var envApplyCmd = &cobra.Command{
	Use:   "apply [KEY=VALUE...]",
	Short: "Apply environment entries idempotently",
	Long: `Writes the given entries, followed by env.entries from the configuration,
to the managed block of the shell profile or to the settings table. Entries
already holding the requested value are left untouched, so applying twice
changes nothing the second time. Without any entry and with toolchain.bin_dir
set, the toolchain directory is prepended to PATH.`,
	RunE: runEnvApply,
}

func init() {
	envApplyCmd.Flags().String("store", "profile", "Target store: profile or settings")
	envApplyCmd.Flags().String("profile", "", "Shell profile to manage (default: env.profile)")
	_ = cli.BindFlag(envApplyCmd, "profile", "env.profile")

	envCmd.AddCommand(envApplyCmd)
}

func runEnvApply(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	entries, err := envconfig.ParseEntries(args)
	if err != nil {
		return err
	}
	configured, err := configuredEntries()
	if err != nil {
		return err
	}
	entries = append(entries, configured...)
	if len(entries) == 0 {
		binDir := cli.GetExpandedString("toolchain.bin_dir")
		if binDir == "" {
			return errors.ErrConfig.WithMessage("nothing to apply: pass KEY=VALUE entries or set env.entries")
		}
		entries = []envconfig.Entry{{Key: "PATH", Value: binDir + ":$PATH"}}
	}

	var store envconfig.Store
	storeName, _ := cmd.Flags().GetString("store")
	switch storeName {
	case "profile":
		store = envconfig.NewProfileStore(afero.NewOsFs(), cli.GetExpandedString("env.profile"))
	case "settings":
		database, err := openDatabase(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := database.Shutdown(); err != nil {
				log.Warn("Failed to save settings", "error", err)
			}
		}()
		store = db.NewSettingsStore(database)
	default:
		return errors.ErrConfig.WithMessagef("unknown store %q (expected profile or settings)", storeName)
	}

	result, err := envconfig.Apply(ctx, store, entries)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if format() == output.FormatJSON {
		return output.PrintJSON(w, result)
	}
	if !result.Applied() {
		fmt.Fprintf(w, "nothing to change (%d entries already applied)\n", len(result.Unchanged))
		return nil
	}
	rows := make([][]string, 0, len(result.Changed))
	for _, c := range result.Changed {
		old := c.Old
		if !c.Existed {
			old = "(unset)"
		}
		rows = append(rows, []string{c.Key, old, c.New})
	}
	return output.PrintTable(w, []string{"KEY", "OLD", "NEW"}, rows)
}
