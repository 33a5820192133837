// Package core provides the kimage command line.
package core

import (
	"fmt"
	"io"
	"os"

	"github.com/bitswalk/kimage/src/common/cli"
	"github.com/bitswalk/kimage/src/common/errors"
	"github.com/bitswalk/kimage/src/common/logs"
	"github.com/bitswalk/kimage/src/common/version"
	"github.com/bitswalk/kimage/src/kimage/build"
	"github.com/bitswalk/kimage/src/kimage/db"
	"github.com/bitswalk/kimage/src/kimage/emulator"
	"github.com/bitswalk/kimage/src/kimage/envconfig"
	"github.com/bitswalk/kimage/src/kimage/image"
	"github.com/bitswalk/kimage/src/kimage/output"
	"github.com/bitswalk/kimage/src/kimage/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// VersionInfo holds version information - set at build time via ldflags
	VersionInfo = version.New()

	// Global logger instance
	log = logs.NewDefault()

	// Configuration file path
	cfgFile string

	// Output format (table or json)
	outputFormat string
)

// Linker variables - these are set via ldflags at build time
var (
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kimage",
	Short: "Kernel and filesystem image builder",
	Long: `kimage builds a multi-architecture teaching kernel for a chosen board,
extracts its raw loader-ready binary, assembles the FAT32 filesystem image
carrying the user programs and test-suite binaries, and boots both under QEMU.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		return initConfig()
	},
}

// targetFlags select the build target
var targetFlags = []cli.Flag{
	{Name: "arch", Key: "target.arch", Value: "", Usage: "Target architecture (riscv64, loongarch64); defaults to the board's"},
	{Name: "board", Key: "target.board", Value: "rvqemu", Usage: "Target board"},
	{Name: "mode", Key: "target.mode", Value: string(build.ModeDebug), Usage: "Build mode (debug, release)"},
	{Name: "features", Key: "target.features", Value: []string{}, Usage: "Extra kernel features"},
}

// layoutFlags locate the project trees and the files kimage produces
var layoutFlags = []cli.Flag{
	{Name: "kernel-dir", Key: "project.kernel_dir", Value: "kernel", Usage: "Kernel crate directory"},
	{Name: "user-dir", Key: "project.user_dir", Value: "user", Usage: "User programs crate directory"},
	{Name: "output-dir", Key: "build.output_dir", Value: "output", Usage: "Directory receiving raw kernel binaries"},
	{Name: "image-path", Key: "image.path", Value: "output/fs.img", Usage: "Filesystem image path"},
	{Name: "db-path", Key: "database.path", Value: db.DefaultConfig().PersistPath, Usage: "Run history database (empty keeps it in memory)"},
}

// Execute runs the root command
func Execute() {
	VersionInfo.Version = Version
	VersionInfo.BuildDate = BuildDate
	VersionInfo.GitCommit = GitCommit

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err, os.Stderr))
	}
}

// exitCode returns the process status for err. An emulator exit status is
// forwarded as is; any other error is printed and exits 1.
func exitCode(err error, w io.Writer) int {
	var exitErr *emulator.ExitStatusError
	if errors.As(err, &exitErr) {
		log.Debug("Forwarding emulator exit status", "board", exitErr.Board, "code", exitErr.Code)
		return exitErr.Code
	}
	fmt.Fprintln(w, "Error:", err)
	return 1
}

func init() {
	cli.RegisterConfigFlag(rootCmd, &cfgFile, "./kimage.yaml")
	cli.RegisterLogFlags(rootCmd)

	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json")

	if err := cli.RegisterPersistentFlags(rootCmd, targetFlags...); err != nil {
		panic(err)
	}
	if err := cli.RegisterPersistentFlags(rootCmd, layoutFlags...); err != nil {
		panic(err)
	}
	cli.SetDefaults(configDefaults())

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(imageCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(boardsCmd)
	rootCmd.AddCommand(envCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(publishCmd)

	_ = rootCmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{string(output.FormatTable), string(output.FormatJSON)}, cobra.ShellCompDirectiveNoFileComp
	})
	_ = rootCmd.RegisterFlagCompletionFunc("mode", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{string(build.ModeDebug), string(build.ModeRelease)}, cobra.ShellCompDirectiveNoFileComp
	})
	_ = rootCmd.RegisterFlagCompletionFunc("board", completionBoards)
}

// initConfig reads in config file and ENV variables if set
func initConfig() error {
	opts := cli.DefaultConfigOptions("kimage", "KIMAGE")
	opts.ConfigFile = cfgFile

	if err := cli.InitConfig(opts); err != nil {
		return err
	}

	if _, err := output.ParseFormat(outputFormat); err != nil {
		return err
	}

	log = cli.InitLogger("kimage")
	build.SetLogger(log)
	image.SetLogger(log)
	emulator.SetLogger(log)
	db.SetLogger(log)
	envconfig.SetLogger(log)
	storage.SetLogger(log)

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using config file", "path", used)
	}
	return nil
}

func completionBoards(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	resolver, err := newResolver()
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	var names []string
	for _, b := range resolver.Boards() {
		names = append(names, b.Name)
	}
	return names, cobra.ShellCompDirectiveNoFileComp
}

// format returns the validated output format
func format() output.Format {
	f, err := output.ParseFormat(outputFormat)
	if err != nil {
		return output.FormatTable
	}
	return f
}
