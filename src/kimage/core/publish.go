package core

import (
	"fmt"
	"path"

	"github.com/bitswalk/kimage/src/common/cli"
	"github.com/bitswalk/kimage/src/common/errors"
	"github.com/bitswalk/kimage/src/common/paths"
	"github.com/bitswalk/kimage/src/kimage/output"
	"github.com/bitswalk/kimage/src/kimage/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Upload the raw kernel and the filesystem image",
	Long: `Uploads the target's raw kernel binary and its filesystem image to the
configured storage backend (local directory or S3 bucket) under
<arch>/<board>/<mode>/. The image is xz-compressed unless --no-compress,
and the other encoding of it left by an earlier publish is removed.
With --list, shows what is already published for the target instead.`,
	Args: cobra.NoArgs,
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().Bool("no-compress", false, "Upload the image uncompressed")
	publishCmd.Flags().Bool("list", false, "List published artifacts for the target and exit")
	publishCmd.Flags().String("storage-type", "", "Storage backend: local or s3 (default: storage.type)")
	publishCmd.Flags().String("bucket", "", "S3 bucket (default: storage.s3.bucket)")
	_ = cli.BindFlag(publishCmd, "storage-type", "storage.type")
	_ = cli.BindFlag(publishCmd, "bucket", "storage.s3.bucket")
}

func runPublish(cmd *cobra.Command, args []string) error {
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

	prefix := path.Join(string(target.Arch()), target.Board(), string(target.Mode()))
	if list, _ := cmd.Flags().GetBool("list"); list {
		backend, err := storage.New(storageConfig())
		if err != nil {
			return err
		}
		return listPublished(cmd, storage.NewPublisher(backend), prefix)
	}

	noCompress, _ := cmd.Flags().GetBool("no-compress")
	items := []storage.Item{{Path: params.RawBinaryPath}}
	if img := cli.GetExpandedString("image.path"); img != "" && paths.IsFile(img) {
		items = append(items, storage.Item{Path: img, Compress: !noCompress})
	} else {
		log.Warn("No filesystem image to publish", "path", img)
	}
	if !paths.IsFile(params.RawBinaryPath) {
		return errors.ErrConfig.WithMessagef("raw kernel %s not found; run 'kimage build' first", params.RawBinaryPath)
	}

	backend, err := storage.New(storageConfig())
	if err != nil {
		return err
	}

	published, err := storage.NewPublisher(backend).Publish(cmd.Context(), prefix, items...)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if format() == output.FormatJSON {
		return output.PrintJSON(w, map[string]interface{}{
			"backend":   backend.Type(),
			"location":  backend.Location(),
			"published": published,
		})
	}
	rows := make([][]string, 0, len(published))
	for _, p := range published {
		rows = append(rows, []string{p.Key, output.Size(p.Size), p.Source})
	}
	fmt.Fprintf(w, "published to %s (%s)\n", backend.Location(), viper.GetString("storage.type"))
	return output.PrintTable(w, []string{"KEY", "SIZE", "SOURCE"}, rows)
}

func listPublished(cmd *cobra.Command, pub *storage.Publisher, prefix string) error {
	objects, err := pub.List(cmd.Context(), prefix)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if format() == output.FormatJSON {
		return output.PrintJSON(w, objects)
	}
	rows := make([][]string, 0, len(objects))
	for _, o := range objects {
		rows = append(rows, []string{o.Key, output.Size(o.Size), output.Ago(o.LastModified)})
	}
	fmt.Fprintf(w, "%s\n", pub.Backend().Location())
	return output.PrintTable(w, []string{"KEY", "SIZE", "MODIFIED"}, rows)
}
