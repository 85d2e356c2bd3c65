package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/kkyr/fig"
)

const (
	EnvPrefix = "CAMLINK"
	FileName  = "config.yaml"
)

// LoadConfig loads a configuration file into the given struct.
// The path param specifies a custom path to the configuration file.
// Reads and puts environment variables with the prefix CAMLINK_.
// Params from the config should be in uppercase separated with _.
//
// It returns the path of the loaded file, or an empty string if
// there were no config files and only env and defaults were used.
func LoadConfig(config any, path string) (string, error) {
	file, dirs := FileName, []string{path}
	if st, err := os.Stat(path); err == nil && !st.IsDir() {
		file, dirs = filepath.Base(path), []string{filepath.Dir(path)}
	}
	if path == "" {
		dirs = append(dirs, ".", "configs", "../../configs")
		if home, err := os.UserHomeDir(); err == nil {
			dirs = append(dirs, filepath.Join(home, ".camlink"))
		}
	}
	err := fig.Load(config, fig.File(file), fig.Dirs(dirs...), fig.UseEnv(EnvPrefix))
	if errors.Is(err, fig.ErrFileNotFound) {
		return "", LoadConfigEnv(config)
	}
	if err != nil {
		return "", err
	}
	return findFile(file, dirs), nil
}

func LoadConfigEnv(config any) error {
	return fig.Load(config, fig.IgnoreFile(), fig.UseEnv(EnvPrefix))
}

func findFile(file string, dirs []string) string {
	for _, dir := range dirs {
		name := filepath.Join(dir, file)
		if _, err := os.Stat(name); err == nil {
			if abs, err := filepath.Abs(name); err == nil {
				return abs
			}
			return name
		}
	}
	return ""
}
