package envconfig

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bitswalk/kimage/src/common/errors"
	"github.com/spf13/afero"
)

const (
	blockBegin = "# >>> kimage >>>"
	blockEnd   = "# <<< kimage <<<"
)

var shellIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ProfileStore keeps exported variables in a managed block of a shell
// profile. Lines outside the block are preserved as they are.
type ProfileStore struct {
	fs   afero.Fs
	path string

	before []string
	after  []string
	keys   []string
	values map[string]string
	dirty  bool
	loaded bool
}

// NewProfileStore creates a store for the profile at path
func NewProfileStore(fs afero.Fs, path string) *ProfileStore {
	return &ProfileStore{fs: fs, path: path, values: make(map[string]string)}
}

// Path returns the profile location
func (p *ProfileStore) Path() string {
	return p.path
}

func (p *ProfileStore) load() error {
	if p.loaded {
		return nil
	}
	p.loaded = true

	data, err := afero.ReadFile(p.fs, p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	inBlock, blockSeen := false, false
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == blockBegin && !blockSeen:
			inBlock, blockSeen = true, true
		case line == blockEnd && inBlock:
			inBlock = false
		case inBlock:
			key, value, ok := parseExport(line)
			if !ok {
				log.Warn("Ignoring unrecognized line in managed profile block", "path", p.path, "line", line)
				continue
			}
			if _, dup := p.values[key]; !dup {
				p.keys = append(p.keys, key)
			}
			p.values[key] = value
		case !blockSeen:
			p.before = append(p.before, line)
		default:
			p.after = append(p.after, line)
		}
	}
	return sc.Err()
}

// Get returns the exported value of key
func (p *ProfileStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := p.load(); err != nil {
		return "", false, err
	}
	v, ok := p.values[key]
	return v, ok, nil
}

// Set stages an export of key
func (p *ProfileStore) Set(ctx context.Context, key, value string) error {
	if !shellIdent.MatchString(key) {
		return errors.ErrConfig.WithMessagef("%q is not a valid shell variable name", key)
	}
	if err := p.load(); err != nil {
		return err
	}
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
	p.dirty = true
	return nil
}

// Commit rewrites the profile through a temporary file and a rename
func (p *ProfileStore) Commit(ctx context.Context) error {
	if !p.dirty {
		return nil
	}

	dir := filepath.Dir(p.path)
	if err := p.fs.MkdirAll(dir, 0755); err != nil {
		return err
	}

	perm := os.FileMode(0644)
	if info, err := p.fs.Stat(p.path); err == nil {
		perm = info.Mode().Perm()
	}

	tmp, err := afero.TempFile(p.fs, dir, "."+filepath.Base(p.path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(p.render()); err != nil {
		tmp.Close()
		p.fs.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		p.fs.Remove(tmpName)
		return err
	}
	if err := p.fs.Chmod(tmpName, perm); err != nil {
		p.fs.Remove(tmpName)
		return err
	}
	if err := p.fs.Rename(tmpName, p.path); err != nil {
		p.fs.Remove(tmpName)
		return err
	}

	p.dirty = false
	log.Info("Updated shell profile", "path", p.path, "entries", len(p.keys))
	return nil
}

func (p *ProfileStore) render() []byte {
	var buf bytes.Buffer
	for _, l := range p.before {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	buf.WriteString(blockBegin + "\n")
	for _, k := range p.keys {
		fmt.Fprintf(&buf, "export %s=\"%s\"\n", k, quote(p.values[k]))
	}
	buf.WriteString(blockEnd + "\n")
	for _, l := range p.after {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

var exportLine = regexp.MustCompile(`^export ([A-Za-z_][A-Za-z0-9_]*)="(.*)"$`)

func parseExport(line string) (string, string, bool) {
	m := exportLine.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return "", "", false
	}
	return m[1], unquote(m[2]), true
}

var quoter = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "`", "\\`")

// quote escapes double quotes, backslashes and backticks. Parameter
// expansion is kept so values like "$HOME/bin:$PATH" work.
func quote(s string) string {
	return quoter.Replace(s)
}

func unquote(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && strings.IndexByte("\\\"$`", s[i+1]) >= 0 {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
