package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	appEnvVar              = "APP_ENV"
	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"
)

// DefaultConfigPath is used when no -config flag is given.
const DefaultConfigPath = "config/config.yml"

var environmentAliases = map[string]string{
	"dev":  environmentDevelopment,
	"prod": environmentProduction,
	"stag": environmentStaging,
}

// AppEnvironment reads APP_ENV, resolving aliases. It defaults to development.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// IsProductionLike reports whether env must reject incomplete credentials.
func IsProductionLike(env string) bool {
	switch env {
	case environmentProduction, environmentStaging:
		return true
	default:
		return false
	}
}

// ResolveConfigPath swaps the default path for config/config.<env>.yml when
// that file exists. An explicit path is returned as is.
func ResolveConfigPath(path string) string {
	if path == "" {
		path = DefaultConfigPath
	}
	if path != DefaultConfigPath {
		return path
	}
	env := AppEnvironment()
	dir, file := filepath.Split(path)
	ext := filepath.Ext(file)
	candidate := filepath.Join(dir, strings.TrimSuffix(file, ext)+"."+env+ext)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return path
}
