package core

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bitswalk/kimage/src/common/cli"
	"github.com/bitswalk/kimage/src/kimage/emulator"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the raw kernel and the filesystem image under QEMU",
	Long: `Boots the target's raw kernel binary with the filesystem image attached,
using the board's fixed QEMU machine and device parameters. Build first with
'kimage build'; run never rebuilds.`,
	Args: cobra.NoArgs,
	RunE: runEmulator,
}

func init() {
	runCmd.Flags().String("bootloader", "", "Bootloader/firmware blob passed to QEMU")
	runCmd.Flags().Bool("dry-run", false, "Print the QEMU command line instead of running it")
	_ = cli.BindFlag(runCmd, "bootloader", "emulator.bootloader")
}

func runEmulator(cmd *cobra.Command, args []string) error {
	resolver, err := newResolver()
	if err != nil {
		return err
	}
	target, err := buildTarget(resolver)
	if err != nil {
		return err
	}
	params, err := resolver.Resolve(target)
	if err != nil {
		return err
	}

	kernel := params.RawBinaryPath
	img := cli.GetExpandedString("image.path")
	bootloader := cli.GetExpandedString("emulator.bootloader")

	if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
		binary, qemuArgs, err := emulator.BuildArgs(target.Board(), kernel, img, bootloader)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), shellJoin(append([]string{binary}, qemuArgs...)))
		return nil
	}

	launcher := emulator.NewLauncher(emulator.Config{
		BinDir: cli.GetExpandedString("emulator.bin_dir"),
		Stdin:  cmd.InOrStdin(),
		Stdout: cmd.OutOrStdout(),
		Stderr: cmd.ErrOrStderr(),
	}, nil)

	code, err := launcher.Launch(cmd.Context(), target.Board(), kernel, img, bootloader)
	if err != nil {
		return err
	}
	if code != 0 {
		return &emulator.ExitStatusError{Board: target.Board(), Code: code}
	}
	return nil
}

// shellJoin quotes the arguments that need it for a copy-pasteable command line
func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		if a == "" || strings.ContainsAny(a, " \t\n\"'$`\\|&;<>()*?[]#~") {
			a = strconv.Quote(a)
		}
		quoted[i] = a
	}
	return strings.Join(quoted, " ")
}
