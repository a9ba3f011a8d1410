package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// LoadSecretsEnv reads $XDG_CONFIG_HOME/gantry/secrets.env (or
// ~/.config/gantry/secrets.env) and returns key/value pairs. Lines starting
// with # are ignored. Format: KEY=VALUE
func LoadSecretsEnv(path string) (map[string]string, error) {
	if path == "" {
		path = filepath.Join(configDir(), "secrets.env")
	}
	f, err := os.Open(path)
	if err != nil {
		return map[string]string{}, nil // not fatal if missing
	}
	defer f.Close()
	out := map[string]string{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			out[k] = v
		}
	}
	return out, nil
}

// TokenSourceFrom resolves token references against the secrets map first,
// then the process environment.
func TokenSourceFrom(secrets map[string]string) func(ref string) (string, bool) {
	return func(ref string) (string, bool) {
		if v, ok := secrets[ref]; ok && v != "" {
			return v, true
		}
		if v := os.Getenv(ref); v != "" {
			return v, true
		}
		return "", false
	}
}
