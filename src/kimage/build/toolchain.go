package build

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bitswalk/kimage/src/common/errors"
)

// ToolchainConfig locates the cross toolchain explicitly. Nothing is taken
// from the ambient shell profile: the cargo binary and the directory holding
// its companions come from configuration.
type ToolchainConfig struct {
	Cargo  string            // cargo binary name or path
	BinDir string            // searched before PATH and prepended to it
	Env    map[string]string // extra environment for toolchain invocations
}

// DefaultToolchainConfig returns the default toolchain configuration
func DefaultToolchainConfig() ToolchainConfig {
	return ToolchainConfig{Cargo: "cargo"}
}

// requiredTools are the binaries a kernel build invokes
var requiredTools = []string{"cargo", "rustc"}

// Lookup resolves a toolchain binary, searching BinDir first
func (c ToolchainConfig) Lookup(name string) (string, error) {
	if filepath.IsAbs(name) || strings.ContainsRune(name, filepath.Separator) {
		if info, err := os.Stat(name); err == nil && !info.IsDir() {
			return name, nil
		}
		return "", errors.ErrToolchainMissing.WithMessagef("%s not found", name)
	}
	if c.BinDir != "" {
		candidate := filepath.Join(c.BinDir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", errors.ErrToolchainMissing.WithMessagef("%s not found in %s or PATH", name, c.BinDir).WithCause(err)
	}
	return path, nil
}

// CargoPath resolves the configured cargo binary
func (c ToolchainConfig) CargoPath() (string, error) {
	cargo := c.Cargo
	if cargo == "" {
		cargo = "cargo"
	}
	return c.Lookup(cargo)
}

// Environ returns the environment for toolchain invocations: the process
// environment with BinDir prepended to PATH and Env applied on top.
func (c ToolchainConfig) Environ() []string {
	env := os.Environ()
	overrides := make(map[string]string, len(c.Env)+1)
	for k, v := range c.Env {
		overrides[k] = v
	}
	if c.BinDir != "" {
		if _, ok := overrides["PATH"]; !ok {
			overrides["PATH"] = c.BinDir + string(os.PathListSeparator) + os.Getenv("PATH")
		}
	}

	out := make([]string, 0, len(env)+len(overrides))
	for _, kv := range env {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

// ValidateToolchain returns the required binaries that cannot be found
func ValidateToolchain(c ToolchainConfig, extra ...string) []string {
	tools := append([]string(nil), requiredTools...)
	if c.Cargo != "" {
		tools[0] = c.Cargo
	}
	tools = append(tools, extra...)

	var missing []string
	for _, bin := range tools {
		if _, err := c.Lookup(bin); err != nil {
			missing = append(missing, bin)
		}
	}
	return missing
}
