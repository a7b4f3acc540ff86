package config

import (
	"errors"
	"io/fs"
	"log"
	"path/filepath"

	"github.com/spf13/afero"
)

// Initialize writes the default configuration into dir unless a
// configuration already exists there, then loads it.
func Initialize(fsys afero.Fs, dir string, logger *log.Logger) (*Configuration, error) {
	if err := fsys.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	configPath := filepath.Join(dir, ConfigurationName)
	_, err := fsys.Stat(configPath)
	switch {
	case err == nil:
		logger.Printf("- %s already exists, leaving it alone", configPath)
	case errors.Is(err, fs.ErrNotExist):
		logger.Printf("- Writing %s", configPath)
		if err := afero.WriteFile(fsys, configPath, defaultConfigData, 0600); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	return Load(fsys, dir)
}
