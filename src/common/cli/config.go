// Package cli provides the configuration layer of the kimage command line.
// Settings resolve in order: flag, KIMAGE_* environment variable, config
// file, then the default declared alongside the flag or through SetDefaults.
package cli

import (
	"fmt"
	"strings"

	"github.com/bitswalk/kimage/src/common/logs"
	"github.com/bitswalk/kimage/src/common/paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ConfigOptions holds options for configuration initialization
type ConfigOptions struct {
	// ConfigFile is the path to the config file (if specified via flag)
	ConfigFile string

	// ConfigName is the name of the config file (without extension)
	ConfigName string

	// ConfigType is the type of config file (yaml, json, toml)
	ConfigType string

	// EnvPrefix is the prefix for environment variables (e.g., "KIMAGE" -> KIMAGE_IMAGE_PATH)
	EnvPrefix string

	// SearchPaths are additional paths to search for the config file
	SearchPaths []string
}

// DefaultConfigOptions returns default configuration options
func DefaultConfigOptions(configName, envPrefix string) ConfigOptions {
	return ConfigOptions{
		ConfigName: configName,
		ConfigType: "yaml",
		EnvPrefix:  envPrefix,
		SearchPaths: []string{
			".",
			"$HOME/.config/kimage",
			"/etc/kimage",
		},
	}
}

// InitConfig initializes Viper configuration.
// It searches for config files, binds environment variables, and keeps defaults
// when no config file is present.
func InitConfig(opts ConfigOptions) error {
	if opts.ConfigFile != "" {
		viper.SetConfigFile(paths.Expand(opts.ConfigFile))
	} else {
		viper.SetConfigName(opts.ConfigName)
		viper.SetConfigType(opts.ConfigType)

		for _, searchPath := range opts.SearchPaths {
			viper.AddConfigPath(paths.Expand(searchPath))
		}
	}

	if opts.EnvPrefix != "" {
		viper.SetEnvPrefix(opts.EnvPrefix)
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		viper.AutomaticEnv()
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// RegisterLogFlags registers common logging flags on a Cobra command
func RegisterLogFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("log-output", "auto", "Log output destination (auto, stdout, stderr)")
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	_ = viper.BindPFlag("log.output", cmd.PersistentFlags().Lookup("log-output"))
	_ = viper.BindPFlag("log.level", cmd.PersistentFlags().Lookup("log-level"))

	viper.SetDefault("log.output", "auto")
	viper.SetDefault("log.level", "info")
}

// RegisterConfigFlag registers the --config flag on a Cobra command
func RegisterConfigFlag(cmd *cobra.Command, cfgFile *string, defaultPath string) {
	cmd.PersistentFlags().StringVar(cfgFile, "config", "", fmt.Sprintf("config file (default: %s)", defaultPath))
}

// InitLogger creates and returns a logger based on Viper configuration.
// Should be called after InitConfig.
func InitLogger(prefix string) *logs.Logger {
	return logs.New(logs.Config{
		Output: logs.LogOutput(viper.GetString("log.output")),
		Level:  viper.GetString("log.level"),
		Prefix: prefix,
	})
}

// Flag declares a persistent flag backed by a configuration key. Value is
// the flag default and doubles as the key's default.
type Flag struct {
	Name      string
	Shorthand string
	Key       string
	Value     interface{} // string, []string, bool or int
	Usage     string
}

// RegisterPersistentFlags declares flags on cmd, binds each to its key and
// registers its default
func RegisterPersistentFlags(cmd *cobra.Command, flags ...Flag) error {
	pf := cmd.PersistentFlags()
	for _, f := range flags {
		switch v := f.Value.(type) {
		case string:
			pf.StringP(f.Name, f.Shorthand, v, f.Usage)
		case []string:
			pf.StringSliceP(f.Name, f.Shorthand, v, f.Usage)
		case bool:
			pf.BoolP(f.Name, f.Shorthand, v, f.Usage)
		case int:
			pf.IntP(f.Name, f.Shorthand, v, f.Usage)
		default:
			return fmt.Errorf("flag --%s: unsupported default of type %T", f.Name, f.Value)
		}
		viper.SetDefault(f.Key, f.Value)
		if err := viper.BindPFlag(f.Key, pf.Lookup(f.Name)); err != nil {
			return fmt.Errorf("flag --%s: %w", f.Name, err)
		}
	}
	return nil
}

// SetDefaults registers defaults for keys that have no flag
func SetDefaults(defaults map[string]interface{}) {
	for key, value := range defaults {
		viper.SetDefault(key, value)
	}
}

// BindFlag binds a Cobra flag to a Viper config key
func BindFlag(cmd *cobra.Command, flagName, viperKey string) error {
	return viper.BindPFlag(viperKey, cmd.Flags().Lookup(flagName))
}

// BindPersistentFlag binds a Cobra persistent flag to a Viper config key
func BindPersistentFlag(cmd *cobra.Command, flagName, viperKey string) error {
	return viper.BindPFlag(viperKey, cmd.PersistentFlags().Lookup(flagName))
}

// GetExpandedString gets a string from Viper and expands path prefixes
func GetExpandedString(key string) string {
	return paths.Expand(viper.GetString(key))
}
