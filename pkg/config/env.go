package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads variables from the given .env files. Missing files are
// skipped and variables already set in the process win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return err
		}
	}
	return nil
}

// LoadDotEnvForConfig loads .env from the working directory and from the
// directory holding configPath.
func LoadDotEnvForConfig(configPath string) error {
	paths := []string{".env"}
	if configPath != "" {
		if dir := filepath.Dir(configPath); dir != "." {
			paths = append(paths, filepath.Join(dir, ".env"))
		}
	}
	return LoadDotEnv(paths...)
}
