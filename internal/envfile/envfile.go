// Package envfile manages .env files and filesystem permissions for the
// docker-compose working tree: parsing and rewriting .env content without
// disturbing comments, blank lines, or quote style, and applying the
// documented POSIX/Windows permission modes to data, config, and script
// directories.
package envfile

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
)

// QuoteStyle records how a variable's value was quoted in the source file,
// so Save can reproduce it exactly.
type QuoteStyle int

const (
	QuoteNone QuoteStyle = iota
	QuoteSingle
	QuoteDouble
)

// variable is a parsed KEY=VALUE line.
type variable struct {
	key     string
	value   string
	quote   QuoteStyle
	comment string // inline comment, including its leading " #", if any
}

// line is either a parsed Variable (by key into Manager.variables) or an
// opaque line (comment/blank/unparsable), kept verbatim.
type line struct {
	isVariable bool
	key        string // valid when isVariable
	raw        string // valid when !isVariable
}

var assignPattern = regexp.MustCompile(`^\s*(?:export\s+)?([\w.]+)\s*=\s*(.*?)\s*$`)

// Manager parses, edits, and rewrites a single .env file in place, keeping
// the original line order and surrounding text.
type Manager struct {
	path      string
	lines     []line
	variables map[string]*variable
}

// New returns an empty Manager not yet bound to a file.
func New() *Manager {
	return &Manager{variables: make(map[string]*variable)}
}

// Load reads path and parses its contents.
func (m *Manager) Load(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("envfile: read %s: %w", path, err)
	}
	m.path = path
	return m.parse(string(content))
}

func (m *Manager) parse(content string) error {
	m.lines = nil
	m.variables = make(map[string]*variable)

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		raw := scanner.Text()
		if match := assignPattern.FindStringSubmatch(raw); match != nil {
			key := match[1]
			rawValue := match[2]

			value, comment := rawValue, ""
			if i := strings.Index(rawValue, " #"); i >= 0 {
				value, comment = rawValue[:i], rawValue[i:]
			}

			v, quote := parseValue(value)
			parsed := &variable{key: key, value: v, quote: quote, comment: comment}
			m.lines = append(m.lines, line{isVariable: true, key: key})
			m.variables[key] = parsed
		} else {
			m.lines = append(m.lines, line{raw: raw})
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("envfile: scan: %w", err)
	}
	return nil
}

func parseValue(raw string) (string, QuoteStyle) {
	trimmed := strings.TrimSpace(raw)
	switch {
	case len(trimmed) >= 2 && trimmed[0] == '\'' && trimmed[len(trimmed)-1] == '\'':
		return trimmed[1 : len(trimmed)-1], QuoteSingle
	case len(trimmed) >= 2 && trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"':
		unescaped := strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\"`, `"`, `\\`, `\`).Replace(trimmed[1 : len(trimmed)-1])
		return unescaped, QuoteDouble
	default:
		return trimmed, QuoteNone
	}
}

// Save rewrites the bound file with current variable values, preserving
// line order, comments, blank lines, and quote style.
func (m *Manager) Save() error {
	if m.path == "" {
		return fmt.Errorf("envfile: no file path bound, call Load first")
	}

	var b strings.Builder
	for i, ln := range m.lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		if !ln.isVariable {
			b.WriteString(ln.raw)
			continue
		}
		v := m.variables[ln.key]
		var valueStr string
		switch v.quote {
		case QuoteSingle:
			valueStr = "'" + v.value + "'"
		case QuoteDouble:
			valueStr = `"` + v.value + `"`
		default:
			valueStr = v.value
		}
		fmt.Fprintf(&b, "%s=%s%s", v.key, valueStr, v.comment)
	}

	return os.WriteFile(m.path, []byte(b.String()), 0o644)
}

// Get returns a variable's current value.
func (m *Manager) Get(key string) (string, bool) {
	v, ok := m.variables[key]
	if !ok {
		return "", false
	}
	return v.value, true
}

// SetVariable updates an existing variable's value. It fails if the key is
// not already present — this helper never appends new keys.
func (m *Manager) SetVariable(key, value string) error {
	v, ok := m.variables[key]
	if !ok {
		return fmt.Errorf("envfile: variable %q does not exist", key)
	}
	v.value = value
	return nil
}

// AllVariables returns every parsed key/value pair.
func (m *Manager) AllVariables() map[string]string {
	out := make(map[string]string, len(m.variables))
	for k, v := range m.variables {
		out[k] = v.value
	}
	return out
}

// LoadEnvVariables reads path and returns its key/value map, dropping keys
// whose value is empty.
func LoadEnvVariables(path string) (map[string]string, error) {
	m := New()
	if err := m.Load(path); err != nil {
		return nil, err
	}
	result := make(map[string]string)
	for k, v := range m.AllVariables() {
		if v != "" {
			result[k] = v
		}
	}
	return result, nil
}

// UpdateFrontendPort sets FRONTEND_HOST_PORT in the .env file at envPath,
// saving the change. It is a no-op if the key is absent.
func UpdateFrontendPort(envPath string, port uint16) error {
	m := New()
	if err := m.Load(envPath); err != nil {
		return err
	}
	if err := m.SetVariable("FRONTEND_HOST_PORT", fmt.Sprintf("%d", port)); err != nil {
		return nil
	}
	return m.Save()
}

// Documented permission modes from the working-tree layout (§6).
const (
	ModeData   = 0o775
	ModeConfig = 0o644
	ModeScript = 0o755
)

// SetDirectoryPermissions applies mode to every directory under root,
// recursively. On Windows it shells out to icacls on a best-effort basis;
// failures there are logged by the caller as warnings, not propagated.
func SetDirectoryPermissions(root string, mode os.FileMode) error {
	if runtime.GOOS == "windows" {
		return setWindowsPermission(root, mode)
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.Chmod(path, mode)
		}
		return nil
	})
}

// SetFilePermission applies mode to a single file (e.g. a config file or
// compose-init script).
func SetFilePermission(path string, mode os.FileMode) error {
	if runtime.GOOS == "windows" {
		return setWindowsPermission(path, mode)
	}
	return os.Chmod(path, mode)
}

// setWindowsPermission is a best-effort ACL adjustment via icacls. Callers
// treat a non-nil error as a warning, never a fatal condition, matching the
// platform ACL tool's documented best-effort status.
func setWindowsPermission(path string, mode os.FileMode) error {
	grant := "R"
	if mode&0o200 != 0 {
		grant = "F"
	}
	cmd := exec.Command("icacls", path, "/grant", "Everyone:"+grant)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("envfile: icacls %s: %w: %s", path, err, out)
	}
	return nil
}

// EnsureScriptExecutable makes every *.sh file under root executable
// (POSIX mode bits only; Windows containers pick up execute bits from the
// bind mount regardless, so this is a no-op there beyond the chmod call
// above being skipped).
func EnsureScriptExecutable(root string) ([]string, error) {
	var fixed []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".sh" {
			return nil
		}
		if runtime.GOOS == "windows" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode()&0o111 != 0 {
			return nil
		}
		if err := os.Chmod(path, ModeScript); err != nil {
			return err
		}
		fixed = append(fixed, path)
		return nil
	})
	return fixed, err
}

// EnsureWorkingTreePermissions applies the documented modes (§4.M/§6) to a
// docker-compose working directory: data/logs get ModeData, config files
// get ModeConfig, and any compose-init scripts get ModeScript.
func EnsureWorkingTreePermissions(workDir string) error {
	for _, dir := range []string{"data", "logs"} {
		p := filepath.Join(workDir, dir)
		if _, err := os.Stat(p); err == nil {
			if err := SetDirectoryPermissions(p, ModeData); err != nil {
				return fmt.Errorf("envfile: set data/logs permissions on %s: %w", p, err)
			}
		}
	}

	configDir := filepath.Join(workDir, "config")
	if entries, err := os.ReadDir(configDir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if err := SetFilePermission(filepath.Join(configDir, e.Name()), ModeConfig); err != nil {
				return fmt.Errorf("envfile: set config permission: %w", err)
			}
		}
	}

	if _, err := EnsureScriptExecutable(workDir); err != nil {
		return fmt.Errorf("envfile: fix script permissions: %w", err)
	}
	return nil
}
