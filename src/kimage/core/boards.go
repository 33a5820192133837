package core

import (
	"strings"

	"github.com/bitswalk/kimage/src/kimage/emulator"
	"github.com/bitswalk/kimage/src/kimage/output"
	"github.com/spf13/cobra"
)

var boardsCmd = &cobra.Command{
	Use:   "boards",
	Short: "List the registered boards",
	Args:  cobra.NoArgs,
	RunE:  runBoards,
}

type boardRow struct {
	Name         string   `json:"name"`
	Arch         string   `json:"arch"`
	Triple       string   `json:"triple"`
	LinkerScript string   `json:"linker_script"`
	Features     []string `json:"features"`
	Emulator     string   `json:"emulator,omitempty"`
}

func runBoards(cmd *cobra.Command, args []string) error {
	resolver, err := newResolver()
	if err != nil {
		return err
	}

	var rows []boardRow
	for _, b := range resolver.Boards() {
		row := boardRow{
			Name:         b.Name,
			Arch:         string(b.Arch),
			Triple:       b.Triple,
			LinkerScript: b.LinkerScript,
			Features:     b.Features,
		}
		if p, err := emulator.ProfileFor(b.Name); err == nil {
			row.Emulator = p.Binary
		}
		rows = append(rows, row)
	}

	w := cmd.OutOrStdout()
	if format() == output.FormatJSON {
		return output.PrintJSON(w, rows)
	}

	table := make([][]string, 0, len(rows))
	for _, r := range rows {
		emu := r.Emulator
		if emu == "" {
			emu = "-"
		}
		table = append(table, []string{r.Name, r.Arch, r.Triple, r.LinkerScript, strings.Join(r.Features, ","), emu})
	}
	return output.PrintTable(w, []string{"BOARD", "ARCH", "TRIPLE", "LINKER SCRIPT", "FEATURES", "EMULATOR"}, table)
}
