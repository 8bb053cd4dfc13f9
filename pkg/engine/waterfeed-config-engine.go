package engine

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"waterfeed/pkg/models"
	"waterfeed/pkg/utils/fs"
	"waterfeed/pkg/utils/hash"
	"waterfeed/pkg/utils/regex"
	"waterfeed/pkg/utils/system"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads the YAML config at configPath, fills defaults and
// validates it. An unset memory ceiling follows the runtime memory limit
// when one is configured.
func LoadConfig(configPath string) (*models.WaterfeedConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read the config-path %s: %w", configPath, err)
	}

	var config models.WaterfeedConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unable to parse the config at %s: %w", configPath, err)
	}

	if config.Memory == nil || config.Memory.CeilingBytes == 0 {
		if limit, ok := system.MemoryLimit(); ok {
			if config.Memory == nil {
				config.Memory = &models.MemoryConfig{}
			}
			config.Memory.CeilingBytes = limit
		}
	}

	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config at %s: %w", configPath, err)
	}
	return &config, nil
}

// resolveStorage fills the storage and disk cache paths left empty in the
// config. Storage defaults to a per-config directory under the user's app
// data dir, the disk cache to the user's cache dir.
func resolveStorage(config *models.WaterfeedConfig, configPath string) error {
	if config.Storage.Path == "" {
		dir, err := defaultStorageDir(configPath)
		if err != nil {
			return err
		}
		config.Storage.Path = dir
	}

	if config.Disk.Path == "" {
		dir, err := fs.GetUserCacheDir("waterfeed", "image")
		if err != nil {
			return fmt.Errorf("failed to determine cache dir: %w", err)
		}
		config.Disk.Path = dir
	}
	return nil
}

func defaultStorageDir(configPath string) (string, error) {
	appData, err := fs.GetUserAppDataDir("waterfeed")
	if err != nil {
		return "", fmt.Errorf("failed to determine app data dir: %w", err)
	}
	absConfigPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute config path: %w", err)
	}
	return filepath.Join(appData, hash.HashString(absConfigPath)), nil
}

// loadSourceURLs returns the feed's URL list: the lines of source.file
// (relative to baseDir) followed by source.urls, filtered by the include
// and exclude patterns. Blank lines and lines starting with # are skipped.
func loadSourceURLs(source *models.SourceConfig, baseDir string) ([]string, error) {
	var urls []string

	if source.File != "" {
		path := source.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("unable to open source file %s: %w", path, err)
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			urls = append(urls, line)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("unable to read source file %s: %w", path, err)
		}
	}

	for _, u := range source.URLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}

	include, err := regex.CombinePatterns(source.Include)
	if err != nil {
		return nil, fmt.Errorf("invalid source include pattern: %w", err)
	}
	exclude, err := regex.CombinePatterns(source.Exclude)
	if err != nil {
		return nil, fmt.Errorf("invalid source exclude pattern: %w", err)
	}
	return regex.Filter(urls, include, exclude), nil
}
