package config

import (
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/afero"
	"sigs.k8s.io/yaml"
)

// Load loads the configuration from the directory, applies environment
// overrides and validates the result.
func Load(fs afero.Fs, path string) (*Configuration, error) {
	// If given the path to a config.yaml file, move back up a level.
	if filepath.Base(path) == ConfigurationName {
		path = filepath.Dir(path)
	}

	configContents, err := afero.ReadFile(fs, filepath.Join(path, ConfigurationName))
	if err != nil {
		return nil, err
	}
	var out Configuration
	if err := yaml.UnmarshalStrict(configContents, &out); err != nil {
		return nil, err
	}
	out.configFs = fs
	out.configDir = path

	if err := finish(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LoadDefault returns the built-in configuration with environment overrides,
// for running without a configuration directory.
func LoadDefault() (*Configuration, error) {
	out := Default()
	// No directory to write to.
	out.EventLog = ""

	if err := finish(out); err != nil {
		return nil, err
	}
	return out, nil
}

func finish(c *Configuration) error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return err
	}
	return c.Validate()
}
