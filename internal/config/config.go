// Package config implements the read-only, group-scoped configuration
// store (component C1) that the rest of the daemon consults for PAM
// service names, default usernames, session command lines, and per-seat
// overrides.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	log "github.com/hashicorp/go-hclog"
)

// General is the fallback group consulted when a per-seat group does not
// carry a requested key.
const General = "General"

// Recognized key names, §4.1.
const (
	KeyPAMService          = "PAMService"
	KeyDefaultUser         = "DefaultUser"
	KeyAutoLogin           = "AutoLogin"
	KeySetupTerminal       = "SetupTerminal"
	KeySessionCmd          = "SessionCmd"
	KeySessionPath         = "SessionPath"
	KeyDataDirs            = "DataDirs"
	KeyPluginsDir          = "PluginsDir"
	KeyAccountsPlugin      = "AccountsPlugin"
	KeyStrictPrivilegeDrop = "StrictPrivilegeDrop"
)

// DefaultSysConfDir is the compile-time sysconfdir fallback, the
// equivalent of the source's TLM_SYSCONF_DIR.
const DefaultSysConfDir = "/etc"

const defaultPluginsDir = "/usr/lib/tlm/plugins"
const defaultAccountsPlugin = "default"

// Store is a two-level group -> key -> string-value mapping. Values are
// immutable once Load returns; SetString is only used internally during
// defaulting.
type Store struct {
	mu     sync.RWMutex
	groups map[string]map[string]string
	path   string
	logger log.Logger
}

// Load resolves and parses the first readable configuration file in the
// search order from §4.1, fills in the General PluginsDir and
// AccountsPlugin keys when they are missing, and returns a Store. A missing file is non-fatal: the
// Store starts empty and defaulting still runs.
func Load(logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	s := &Store{
		groups: make(map[string]map[string]string),
		logger: logger.Named("config"),
	}

	path := resolveConfigPath()
	if path != "" {
		if err := s.loadFile(path); err != nil {
			s.logger.Warn("failed to read config file, continuing with defaults", "path", path, "error", err)
		} else {
			s.path = path
			s.logger.Debug("loaded config", "path", path)
		}
	} else {
		s.logger.Debug("no config file found, using built-in defaults")
	}

	s.setDefaults()
	return s, nil
}

// LoadFile parses path directly, bypassing the search order (including
// the debug-build $TLM_CONF_FILE override). Defaulting, and with it the
// debug-build $TLM_PLUGINS_DIR / $TLM_ACCOUNT_PLUGIN overrides, still
// runs as in Load. Used by callers (and tests)
// that already know which file they want, e.g. an explicit
// --config-file flag.
func LoadFile(path string, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	s := &Store{
		groups: make(map[string]map[string]string),
		logger: logger.Named("config"),
		path:   path,
	}
	if err := s.loadFile(path); err != nil {
		return nil, err
	}
	s.setDefaults()
	return s, nil
}

// resolveConfigPath implements the search order: $TLM_CONF_FILE (debug
// builds only), user config dir, system config dirs, compile-time
// sysconfdir.
func resolveConfigPath() string {
	if debugBuild {
		if p := os.Getenv("TLM_CONF_FILE"); p != "" {
			if readable(p) {
				return p
			}
		}
	}

	if dir, err := os.UserConfigDir(); err == nil {
		p := filepath.Join(dir, "tlm", "tlm.conf")
		if readable(p) {
			return p
		}
	}

	for _, dir := range systemConfigDirs() {
		p := filepath.Join(dir, "tlm", "tlm.conf")
		if readable(p) {
			return p
		}
	}

	p := filepath.Join(DefaultSysConfDir, "tlm", "tlm.conf")
	if readable(p) {
		return p
	}

	return ""
}

func systemConfigDirs() []string {
	if v := os.Getenv("XDG_CONFIG_DIRS"); v != "" {
		return strings.Split(v, string(os.PathListSeparator))
	}
	return []string{"/etc/xdg"}
}

func readable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// loadFile parses an INI-style file: "[Group]" headers, "key = value" or
// "key=value" lines, "#" / ";" comments. A parse failure on a single
// line logs a warning and skips that line; it never aborts the load.
func (s *Store) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	group := General
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			group = strings.TrimSpace(line[1 : len(line)-1])
			if group == "" {
				s.logger.Warn("skipping empty group header", "line", lineNo)
				group = General
			}
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			s.logger.Warn("skipping malformed config line", "line", lineNo)
			continue
		}
		key := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])
		value = unquote(value)
		if key == "" {
			s.logger.Warn("skipping config line with empty key", "line", lineNo)
			continue
		}
		s.setStringLocked(group, key, value)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan config file: %w", err)
	}
	return nil
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

func (s *Store) setDefaults() {
	if _, ok := s.GetString(General, KeyPluginsDir); !ok {
		s.SetString(General, KeyPluginsDir, defaultPluginsDir)
	}
	if _, ok := s.GetString(General, KeyAccountsPlugin); !ok {
		s.SetString(General, KeyAccountsPlugin, defaultAccountsPlugin)
	}

	if debugBuild {
		if v := os.Getenv("TLM_PLUGINS_DIR"); v != "" {
			s.SetString(General, KeyPluginsDir, v)
		}
		if v := os.Getenv("TLM_ACCOUNT_PLUGIN"); v != "" {
			s.SetString(General, KeyAccountsPlugin, v)
		}
	}
}

// GetString returns the raw string value for (group, key), or false if
// absent. Callers are responsible for retrying with General on a miss,
// matching the source's explicit fallback pattern (§4.1).
func (s *Store) GetString(group, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[group]
	if !ok {
		return "", false
	}
	v, ok := g[key]
	return v, ok
}

// StringWithFallback looks up (group, key), falling back to
// (General, key) when group isn't General and the direct lookup misses.
func (s *Store) StringWithFallback(group, key string) (string, bool) {
	if v, ok := s.GetString(group, key); ok {
		return v, true
	}
	if group != General {
		return s.GetString(General, key)
	}
	return "", false
}

// GetInt parses the string value as a signed integer, logging and
// returning def on a parse failure or miss.
func (s *Store) GetInt(group, key string, def int) int {
	v, ok := s.GetString(group, key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		s.logger.Warn("invalid integer config value, using default", "group", group, "key", key, "value", v)
		return def
	}
	return n
}

// GetUint parses the string value as an unsigned integer, logging and
// returning def on a parse failure or miss.
func (s *Store) GetUint(group, key string, def uint) uint {
	v, ok := s.GetString(group, key)
	if !ok {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		s.logger.Warn("invalid unsigned integer config value, using default", "group", group, "key", key, "value", v)
		return def
	}
	return uint(n)
}

// GetBool parses the string value as a boolean ("true"/"false"/"1"/"0"/
// "yes"/"no"/"on"/"off", case-insensitive), logging and returning def on a parse failure or miss.
func (s *Store) GetBool(group, key string, def bool) bool {
	v, ok := s.GetString(group, key)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		s.logger.Warn("invalid boolean config value, using default", "group", group, "key", key, "value", v)
		return def
	}
}

// SetString sets a value directly. Used only during Load's defaulting
// pass; the Store is otherwise read-only.
func (s *Store) SetString(group, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStringLocked(group, key, value)
}

func (s *Store) setStringLocked(group, key, value string) {
	g, ok := s.groups[group]
	if !ok {
		g = make(map[string]string)
		s.groups[group] = g
	}
	g[key] = value
}

// SeatGroups returns every configured group whose name starts with
// "seat", sorted, excluding General. The daemon entry point uses this
// to discover which seats to bring up at startup.
func (s *Store) SeatGroups() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for g := range s.groups {
		if g == General {
			continue
		}
		if strings.HasPrefix(g, "seat") {
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out
}

// Path returns the file that was loaded, or "" if none was found.
func (s *Store) Path() string {
	return s.path
}
