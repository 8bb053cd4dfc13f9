package engine

import (
	"os"
	"path/filepath"
	"time"
	"waterfeed/pkg/models"
	"waterfeed/pkg/utils/system"

	"gopkg.in/yaml.v3"
)

// InitConfig writes a starter config to configPath. Storage lives under
// the user's app data dir, keyed by the config's absolute path.
func InitConfig(configPath string) error {
	storageDir, err := defaultStorageDir(configPath)
	if err != nil {
		return err
	}

	freePort, err := system.GetFreePort()
	if err != nil {
		return err
	}

	defaultConfig := &models.WaterfeedConfig{
		Log: &models.LogConfig{
			ToFile:   true,
			FilePath: filepath.Join(storageDir, "waterfeed.log"),
			ToStdout: true,
			Prefix:   "waterfeed",
		},
		Server: &models.ServerConfig{
			Port: uint16(freePort),
		},
		Storage: &models.StorageConfig{
			Path: storageDir,
		},
		Memory: &models.MemoryConfig{
			BudgetFraction: models.DefaultBudgetFraction,
		},
		Disk: &models.DiskConfig{
			Type:          models.DURABLE_TYPE_DISK,
			BudgetBytes:   models.DefaultDiskBudget,
			SchemaVersion: models.DefaultSchemaVersion,
		},
		Network: &models.NetworkConfig{
			ConnectTimeout: models.DefaultConnectTimeout,
			ReadTimeout:    models.DefaultReadTimeout,
			Workers:        models.DefaultWorkers,
			UserAgent:      "waterfeed/1.0",
		},
		Layout: &models.LayoutConfig{
			PageSize:       models.DefaultPageSize,
			ColumnCount:    models.DefaultColumnCount,
			ColumnWidth:    models.DefaultColumnWidth,
			SettleInterval: 5 * time.Millisecond,
			ViewportHeight: models.DefaultViewportHeight,
		},
		Source: &models.SourceConfig{
			File:    "urls.txt",
			Include: []string{`^https?://`},
			Exclude: []string{`\.gif$`},
		},
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	f, err := os.Create(configPath)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	return enc.Encode(defaultConfig)
}
