// Package config loads adomigrate settings from flags, environment, an
// optional adomigrate.yaml and an optional .env file, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/adomigrate/adomigrate/internal/relsync"
	"github.com/adomigrate/adomigrate/internal/tracker/azuredevops"
)

// Configuration keys.
const (
	KeySourceOrg      = "source.org_url"
	KeySourceProject  = "source.project"
	KeySourcePAT      = "source.pat"
	KeyTargetOrg      = "target.org_url"
	KeyTargetProject  = "target.project"
	KeyTargetPAT      = "target.pat"
	KeyAreaRoot       = "target.area_root"
	KeyIterationRoot  = "target.iteration_root"
	KeyMarkerField    = "marker_field"
	KeyBundleType     = "bundle_type"
	KeyAllowedTypes   = "allowed_types"
	KeyConcurrency    = "concurrency"
	KeySkipExisting   = "skip_existing"
	DefaultConfigName = "adomigrate"
)

// DefaultConcurrency keeps identity lookups sequential.
const DefaultConcurrency = 1

// envBindings maps keys to the environment variables they fall back to.
var envBindings = map[string]string{
	KeySourceOrg:     "ADO_SOURCE_ORG_URL",
	KeySourceProject: "ADO_SOURCE_PROJECT",
	KeySourcePAT:     "ADO_SOURCE_PAT",
	KeyTargetOrg:     "ADO_TARGET_ORG_URL",
	KeyTargetProject: "ADO_TARGET_PROJECT",
	KeyTargetPAT:     "ADO_TARGET_PAT",
	KeyAreaRoot:      "ADO_TARGET_AREA_ROOT",
	KeyIterationRoot: "ADO_TARGET_ITERATION_ROOT",
	KeyMarkerField:   "ADO_MARKER_FIELD",
	KeyBundleType:    "ADO_BUNDLE_TYPE",
	KeyAllowedTypes:  "ADO_ALLOWED_TYPES",
}

// FlagBindings maps command-line flag names to keys. Commands only define
// the flags they need; missing ones are skipped by BindFlags.
var FlagBindings = map[string]string{
	"source-org":     KeySourceOrg,
	"source-project": KeySourceProject,
	"source-pat":     KeySourcePAT,
	"target-org":     KeyTargetOrg,
	"target-project": KeyTargetProject,
	"target-pat":     KeyTargetPAT,
	"area":           KeyAreaRoot,
	"iteration":      KeyIterationRoot,
	"marker-field":   KeyMarkerField,
	"bundle-type":    KeyBundleType,
	"allow-type":     KeyAllowedTypes,
	"concurrency":    KeyConcurrency,
	"skip-existing":  KeySkipExisting,
}

// Options control where Load looks for files.
type Options struct {
	// ConfigFile is an explicit config path. When empty, adomigrate.yaml is
	// looked up in the working directory and is optional.
	ConfigFile string
	// DotEnv is the .env path (default ".env"). A missing file is ignored;
	// variables already in the environment are never overridden.
	DotEnv string
}

// Config is one resolved configuration.
type Config struct {
	v *viper.Viper
}

// Load builds a Config.
func Load(opts Options) (*Config, error) {
	dotEnv := opts.DotEnv
	if dotEnv == "" {
		dotEnv = ".env"
	}
	if _, err := os.Stat(dotEnv); err == nil {
		if err := godotenv.Load(dotEnv); err != nil {
			return nil, fmt.Errorf("loading %s: %w", dotEnv, err)
		}
	}

	v := viper.New()
	v.SetDefault(KeyMarkerField, relsync.DefaultMarkerField)
	v.SetDefault(KeyBundleType, relsync.DefaultBundleType)
	v.SetDefault(KeyAllowedTypes, relsync.DefaultAllowedTypes)
	v.SetDefault(KeyConcurrency, DefaultConcurrency)
	v.SetDefault(KeySkipExisting, true)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", opts.ConfigFile, err)
		}
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	return &Config{v: v}, nil
}

// BindFlags binds every flag of fs listed in FlagBindings. A flag set on the
// command line takes precedence over env and file.
func (c *Config) BindFlags(fs *pflag.FlagSet) error {
	for name, key := range FlagBindings {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := c.v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag --%s: %w", name, err)
		}
	}
	return nil
}

// ConfigFileUsed returns the config file that was read, if any.
func (c *Config) ConfigFileUsed() string { return c.v.ConfigFileUsed() }

// GetString returns a string setting, trimmed.
func (c *Config) GetString(key string) string {
	return strings.TrimSpace(c.v.GetString(key))
}

// SourceConnection builds the source Connection. Missing values fail with a
// *azuredevops.ConfigError naming the flag and env var.
func (c *Config) SourceConnection() (*azuredevops.Connection, error) {
	return azuredevops.NewConnection(azuredevops.ConnectionParams{
		Side:      "source",
		OrgURL:    c.v.GetString(KeySourceOrg),
		Project:   c.v.GetString(KeySourceProject),
		PAT:       c.v.GetString(KeySourcePAT),
		EnvPrefix: "ADO_SOURCE",
	})
}

// TargetConnection builds the target Connection.
func (c *Config) TargetConnection() (*azuredevops.Connection, error) {
	return azuredevops.NewConnection(azuredevops.ConnectionParams{
		Side:      "target",
		OrgURL:    c.v.GetString(KeyTargetOrg),
		Project:   c.v.GetString(KeyTargetProject),
		PAT:       c.v.GetString(KeyTargetPAT),
		EnvPrefix: "ADO_TARGET",
	})
}

// MarkerField returns the field carrying the source id on target items.
func (c *Config) MarkerField() string {
	if s := c.GetString(KeyMarkerField); s != "" {
		return s
	}
	return relsync.DefaultMarkerField
}

// BundleType returns the target bundle type name.
func (c *Config) BundleType() string {
	if s := c.GetString(KeyBundleType); s != "" {
		return s
	}
	return relsync.DefaultBundleType
}

// AreaRoot returns the configured target area path, possibly empty.
func (c *Config) AreaRoot() string { return c.GetString(KeyAreaRoot) }

// IterationRoot returns the configured target iteration path, possibly empty.
func (c *Config) IterationRoot() string { return c.GetString(KeyIterationRoot) }

// AllowedTypes returns the allow-list. A string value (env var) is split on
// commas; list values come from flags or the config file.
func (c *Config) AllowedTypes() []string {
	var raw []string
	switch val := c.v.Get(KeyAllowedTypes).(type) {
	case string:
		raw = strings.Split(val, ",")
	default:
		raw = c.v.GetStringSlice(KeyAllowedTypes)
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Concurrency returns the identity lookup parallelism, at least 1.
func (c *Config) Concurrency() int {
	if n := c.v.GetInt(KeyConcurrency); n > 0 {
		return n
	}
	return DefaultConcurrency
}

// SkipExisting reports whether link-bundles checks existing relations first.
func (c *Config) SkipExisting() bool { return c.v.GetBool(KeySkipExisting) }
