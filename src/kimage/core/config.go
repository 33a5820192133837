package core

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/bitswalk/kimage/src/common/cli"
	"github.com/bitswalk/kimage/src/common/errors"
	"github.com/bitswalk/kimage/src/kimage/build"
	"github.com/bitswalk/kimage/src/kimage/db"
	"github.com/bitswalk/kimage/src/kimage/envconfig"
	"github.com/bitswalk/kimage/src/kimage/image"
	"github.com/bitswalk/kimage/src/kimage/storage"
	"github.com/spf13/viper"
)

// configDefaults returns the defaults of the keys that have no flag
func configDefaults() map[string]interface{} {
	sc := storage.DefaultConfig()
	return map[string]interface{}{
		"project.binary": "kernel",

		"toolchain.cargo":   "cargo",
		"toolchain.bin_dir": "",
		"toolchain.env":     map[string]string{},

		"build.deploy_path": "",

		"image.block_size":          image.DefaultBlockSize,
		"image.block_count":         image.DefaultBlockCount,
		"image.label":               image.DefaultLabel,
		"image.sectors_per_cluster": 0,
		"image.user_bin_dir":        "",
		"image.user_src_dir":        "",
		"image.source_suffixes":     []string{".rs"},
		"image.test_suite_dir":      "",
		"image.user_dest":           "/",
		"image.test_dest":           "/",
		"image.directories":         []string{},

		"emulator.bootloader": "",
		"emulator.bin_dir":    "",

		"storage.type":                 sc.Type,
		"storage.local.base_path":      sc.Local.BasePath,
		"storage.s3.endpoint":          "",
		"storage.s3.region":            sc.S3.Region,
		"storage.s3.bucket":            "",
		"storage.s3.prefix":            "",
		"storage.s3.access_key_id":     "",
		"storage.s3.secret_access_key": "",
		"storage.s3.use_path_style":    sc.S3.UsePathStyle,

		"env.profile": "~/.profile",
		"env.entries": []envconfig.Entry{},
	}
}

// buildTarget reads the build target from configuration. The board must be
// registered; an empty arch is taken from its registration and an explicit
// one must agree with it.
func buildTarget(resolver *build.Resolver) (build.BuildTarget, error) {
	boardName := viper.GetString("target.board")
	if boardName == "" {
		return build.BuildTarget{}, errors.ErrConfig.WithMessage("no board selected")
	}

	mode, err := build.ParseMode(viper.GetString("target.mode"))
	if err != nil {
		return build.BuildTarget{}, err
	}

	board, err := resolver.Board(boardName)
	if err != nil {
		return build.BuildTarget{}, err
	}
	arch := board.Arch
	if s := viper.GetString("target.arch"); s != "" {
		if arch, err = build.ParseArch(s); err != nil {
			return build.BuildTarget{}, err
		}
		if arch != board.Arch {
			return build.BuildTarget{}, errors.ErrConfig.WithMessagef("board %s is %s, not %s", board.Name, board.Arch, arch)
		}
	}

	return build.NewBuildTarget(arch, boardName, mode, viper.GetStringSlice("target.features")...), nil
}

func newResolver() (*build.Resolver, error) {
	var boards []build.Board
	if err := viper.UnmarshalKey("boards", &boards); err != nil {
		return nil, errors.ErrConfig.WithMessage("invalid board registrations").WithCause(err)
	}
	return build.NewResolver(build.ResolverConfig{
		KernelDir: cli.GetExpandedString("project.kernel_dir"),
		OutputDir: cli.GetExpandedString("build.output_dir"),
		Binary:    viper.GetString("project.binary"),
		Boards:    boards,
	}), nil
}

func toolchainConfig() build.ToolchainConfig {
	return build.ToolchainConfig{
		Cargo:  viper.GetString("toolchain.cargo"),
		BinDir: cli.GetExpandedString("toolchain.bin_dir"),
		Env:    viper.GetStringMapString("toolchain.env"),
	}
}

func newKernelBuilder(out io.Writer) *build.KernelBuilder {
	return build.NewKernelBuilder(build.KernelConfig{
		KernelDir: cli.GetExpandedString("project.kernel_dir"),
		Toolchain: toolchainConfig(),
		Output:    out,
	}, build.NewExecRunner(out))
}

func assemblerConfig() image.Config {
	return image.Config{
		BlockSize:         viper.GetInt64("image.block_size"),
		BlockCount:        viper.GetInt64("image.block_count"),
		Label:             viper.GetString("image.label"),
		SectorsPerCluster: viper.GetUint32("image.sectors_per_cluster"),
		SourceSuffixes:    viper.GetStringSlice("image.source_suffixes"),
		UserDest:          viper.GetString("image.user_dest"),
		TestDest:          viper.GetString("image.test_dest"),
		Directories:       viper.GetStringSlice("image.directories"),
	}
}

func newAssembler() *image.Assembler {
	return image.NewAssembler(nil, assemblerConfig())
}

// imageInput derives the assembly sources of target. The user programs are
// looked up in the user crate's output for the board's triple unless a
// directory is configured.
func imageInput(resolver *build.Resolver, target build.BuildTarget) (image.Input, error) {
	userDir := cli.GetExpandedString("project.user_dir")

	binDir := cli.GetExpandedString("image.user_bin_dir")
	if binDir == "" {
		board, err := resolver.Board(target.Board())
		if err != nil {
			return image.Input{}, err
		}
		binDir = filepath.Join(userDir, "target", board.Triple, string(target.Mode()))
	}
	srcDir := cli.GetExpandedString("image.user_src_dir")
	if srcDir == "" {
		srcDir = filepath.Join(userDir, "src", "bin")
	}

	return image.Input{
		ImagePath:    cli.GetExpandedString("image.path"),
		UserBinDir:   binDir,
		UserSrcDir:   srcDir,
		TestSuiteDir: cli.GetExpandedString("image.test_suite_dir"),
	}, nil
}

func storageConfig() storage.Config {
	return storage.Config{
		Type:  viper.GetString("storage.type"),
		Local: storage.LocalConfig{BasePath: cli.GetExpandedString("storage.local.base_path")},
		S3: storage.S3Config{
			Endpoint:        viper.GetString("storage.s3.endpoint"),
			Region:          viper.GetString("storage.s3.region"),
			Bucket:          viper.GetString("storage.s3.bucket"),
			Prefix:          viper.GetString("storage.s3.prefix"),
			AccessKeyID:     viper.GetString("storage.s3.access_key_id"),
			SecretAccessKey: viper.GetString("storage.s3.secret_access_key"),
			UsePathStyle:    viper.GetBool("storage.s3.use_path_style"),
		},
	}
}

// openDatabase opens the run history. An empty database.path keeps it in
// memory for the duration of the command.
func openDatabase(ctx context.Context) (*db.Database, error) {
	database, err := db.New(ctx, db.Config{
		PersistPath: strings.TrimSpace(viper.GetString("database.path")),
		LoadOnStart: true,
	})
	if err != nil {
		return nil, errors.ErrDatabase.WithMessage("failed to open run history").WithCause(err)
	}
	return database, nil
}

// configuredEntries returns env.entries from the configuration
func configuredEntries() ([]envconfig.Entry, error) {
	var entries []envconfig.Entry
	if err := viper.UnmarshalKey("env.entries", &entries); err != nil {
		return nil, errors.ErrConfig.WithMessage("invalid env.entries").WithCause(err)
	}
	return entries, nil
}
