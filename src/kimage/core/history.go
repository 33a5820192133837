package core

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/bitswalk/kimage/src/common/errors"
	"github.com/bitswalk/kimage/src/kimage/db"
	"github.com/bitswalk/kimage/src/kimage/output"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Show recorded build runs",
	Long:  `Lists recent runs, or the stages of one run when its ID is given.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "Number of runs to list (0 for all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	database, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer database.Shutdown()

	repo := db.NewRunRepository(database)
	w := cmd.OutOrStdout()

	if len(args) == 1 {
		run, err := findRun(ctx, repo, args[0])
		if err != nil {
			return err
		}
		stages, err := repo.Stages(ctx, run.ID)
		if err != nil {
			return errors.ErrDatabase.WithCause(err)
		}
		if format() == output.FormatJSON {
			return output.PrintJSON(w, map[string]interface{}{"run": run, "stages": stages})
		}

		fmt.Fprintf(w, "%s %s %s/%s/%s %s\n", run.ID, run.Command, run.Arch, run.Board, run.Mode, run.Status)
		if run.ErrorMessage != "" {
			fmt.Fprintf(w, "failed in %s: %s\n", run.ErrorStage, run.ErrorMessage)
		}
		rows := make([][]string, 0, len(stages))
		for _, s := range stages {
			rows = append(rows, []string{s.Stage, s.Status, strconv.FormatInt(s.DurationMs, 10) + "ms", s.ErrorMessage})
		}
		return output.PrintTable(w, []string{"STAGE", "STATUS", "DURATION", "ERROR"}, rows)
	}

	limit, _ := cmd.Flags().GetInt("limit")
	runs, err := repo.List(ctx, limit)
	if err != nil {
		return errors.ErrDatabase.WithCause(err)
	}
	if format() == output.FormatJSON {
		return output.PrintJSON(w, runs)
	}

	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			shortID(r.ID),
			r.Command,
			r.Arch + "/" + r.Board + "/" + r.Mode,
			string(r.Status),
			output.Size(r.RawSize),
			strconv.Itoa(r.CopiedCount),
			strconv.Itoa(r.WarningCount),
			output.Ago(r.StartedAt),
		})
	}
	return output.PrintTable(w, []string{"ID", "COMMAND", "TARGET", "STATUS", "KERNEL", "FILES", "SKIPPED", "STARTED"}, rows)
}

// findRun looks a run up by full ID or by a unique ID prefix
func findRun(ctx context.Context, repo *db.RunRepository, id string) (*db.BuildRun, error) {
	run, err := repo.GetByID(ctx, id)
	if err == nil {
		return run, nil
	}
	if err != sql.ErrNoRows {
		return nil, errors.ErrDatabase.WithCause(err)
	}

	runs, err := repo.List(ctx, 0)
	if err != nil {
		return nil, errors.ErrDatabase.WithCause(err)
	}
	var match *db.BuildRun
	for i := range runs {
		if strings.HasPrefix(runs[i].ID, id) {
			if match != nil {
				return nil, errors.ErrConfig.WithMessagef("run ID prefix %s is ambiguous", id)
			}
			match = &runs[i]
		}
	}
	if match == nil {
		return nil, errors.ErrConfig.WithMessagef("no run with ID %s", id)
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
