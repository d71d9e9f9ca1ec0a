package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// LoadFile parses a single workflow definition from a YAML file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow file %s: %w", filepath.Base(path), err)
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &def, nil
}

// LoadDir registers every *.yaml and *.yml definition under dir, in
// lexicographic order. A missing directory is not an error so a fresh
// deployment can start with no workflows on disk.
func LoadDir(e *Engine, dir string, logger *zap.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("workflow directory absent, skipping", zap.String("dir", dir))
			return 0, nil
		}
		return 0, fmt.Errorf("read workflow dir: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)

	loaded := 0
	for _, path := range paths {
		def, err := LoadFile(path)
		if err != nil {
			return loaded, err
		}
		if err := e.Register(def); err != nil {
			return loaded, fmt.Errorf("register %s: %w", filepath.Base(path), err)
		}
		loaded++
	}
	return loaded, nil
}
