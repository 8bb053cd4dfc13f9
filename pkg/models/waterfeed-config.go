package models

import (
	"errors"
	"fmt"
	"time"
)

const (
	DURABLE_TYPE_DISK  = "disk"
	DURABLE_TYPE_REDIS = "redis"
)

const (
	DefaultPageSize       = 24
	DefaultColumnCount    = 3
	DefaultColumnWidth    = 240
	DefaultBudgetFraction = 1.0 / 6.0
	DefaultMemoryCeiling  = 256 << 20
	DefaultMaxPixels      = 24_000_000
	DefaultDiskBudget     = 20 << 20
	DefaultSchemaVersion  = 1
	DefaultConnectTimeout = 5 * time.Second
	DefaultReadTimeout    = 10 * time.Second
	DefaultSettleInterval = 5 * time.Millisecond
	DefaultViewportHeight = 1024
	DefaultWorkers        = 8
	DefaultHealthInterval = 30 * time.Second
	DefaultRedisNamespace = "waterfeed:"
)

type LogConfig struct {
	ToFile       bool   `yaml:"toFile"`
	FilePath     string `yaml:"filePath"`
	ToStdout     bool   `yaml:"toStdout"`
	Prefix       string `yaml:"prefix"`
	DebugEnabled bool   `yaml:"debugEnabled"`
}

type ServerConfig struct {
	Port uint16 `yaml:"port"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

// MemoryConfig sizes the in-process decoded image cache. The budget is
// BudgetFraction of CeilingBytes and is fixed at construction. Sources with
// more than MaxSourcePixels pixels are refused before decoding.
type MemoryConfig struct {
	CeilingBytes    uint64  `yaml:"ceilingBytes"`
	BudgetFraction  float64 `yaml:"budgetFraction"`
	MaxSourcePixels int64   `yaml:"maxSourcePixels"`
}

func (m *MemoryConfig) BudgetBytes() uint64 {
	return uint64(float64(m.CeilingBytes) * m.BudgetFraction)
}

type DiskConfig struct {
	Type          string `yaml:"type"`
	Path          string `yaml:"path"`
	BudgetBytes   uint64 `yaml:"budgetBytes"`
	SchemaVersion uint32 `yaml:"schemaVersion"`
}

type RedisConfig struct {
	Address      string        `yaml:"address"`
	Password     string        `yaml:"password"`
	DB           *int          `yaml:"db"`
	KeyNamespace string        `yaml:"keyNamespace"`
	HealthEvery  time.Duration `yaml:"healthInterval"`
}

type NetworkConfig struct {
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	Workers        int           `yaml:"workers"`
	UserAgent      string        `yaml:"userAgent"`

	// HostRequestsPerSecond paces requests per source host. Zero disables
	// pacing.
	HostRequestsPerSecond int64 `yaml:"hostRequestsPerSecond"`
	HostBurst             int64 `yaml:"hostBurst"`
}

type LayoutConfig struct {
	PageSize       int           `yaml:"pageSize"`
	ColumnCount    int           `yaml:"columnCount"`
	ColumnWidth    int           `yaml:"columnWidth"`
	SettleInterval time.Duration `yaml:"settleInterval"`

	// ViewportHeight is the height used for the first page, before any
	// client reports its viewport.
	ViewportHeight int `yaml:"viewportHeight"`
}

// SourceConfig describes the backing URL list. Include and Exclude are
// regular expressions applied to each URL before pagination.
type SourceConfig struct {
	File    string   `yaml:"file"`
	URLs    []string `yaml:"urls"`
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

type WaterfeedConfig struct {
	Log     *LogConfig     `yaml:"log"`
	Server  *ServerConfig  `yaml:"server"`
	Storage *StorageConfig `yaml:"storage"`
	Memory  *MemoryConfig  `yaml:"memory"`
	Disk    *DiskConfig    `yaml:"disk"`
	Redis   *RedisConfig   `yaml:"redis"`
	Network *NetworkConfig `yaml:"network"`
	Layout  *LayoutConfig  `yaml:"layout"`
	Source  *SourceConfig  `yaml:"source"`
}

// SetDefaults fills every unset section and field. Storage paths are left
// alone; they are resolved by the engine.
func (c *WaterfeedConfig) SetDefaults() {
	if c.Log == nil {
		c.Log = &LogConfig{
			ToStdout: true,
			Prefix:   "waterfeed",
		}
	}
	if c.Server == nil {
		c.Server = &ServerConfig{}
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Storage == nil {
		c.Storage = &StorageConfig{}
	}

	if c.Memory == nil {
		c.Memory = &MemoryConfig{}
	}
	if c.Memory.CeilingBytes == 0 {
		c.Memory.CeilingBytes = DefaultMemoryCeiling
	}
	if c.Memory.BudgetFraction == 0 {
		c.Memory.BudgetFraction = DefaultBudgetFraction
	}
	if c.Memory.MaxSourcePixels == 0 {
		c.Memory.MaxSourcePixels = DefaultMaxPixels
	}

	if c.Disk == nil {
		c.Disk = &DiskConfig{}
	}
	if c.Disk.Type == "" {
		c.Disk.Type = DURABLE_TYPE_DISK
	}
	if c.Disk.BudgetBytes == 0 {
		c.Disk.BudgetBytes = DefaultDiskBudget
	}
	if c.Disk.SchemaVersion == 0 {
		c.Disk.SchemaVersion = DefaultSchemaVersion
	}

	if c.Network == nil {
		c.Network = &NetworkConfig{}
	}
	if c.Network.ConnectTimeout == 0 {
		c.Network.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Network.ReadTimeout == 0 {
		c.Network.ReadTimeout = DefaultReadTimeout
	}
	if c.Network.Workers == 0 {
		c.Network.Workers = DefaultWorkers
	}
	if c.Network.UserAgent == "" {
		c.Network.UserAgent = "waterfeed/1.0"
	}

	if c.Network.HostBurst == 0 {
		c.Network.HostBurst = c.Network.HostRequestsPerSecond
	}

	if c.Redis != nil {
		if c.Redis.DB == nil {
			db := 0
			c.Redis.DB = &db
		}
		if c.Redis.KeyNamespace == "" {
			c.Redis.KeyNamespace = DefaultRedisNamespace
		} else if c.Redis.KeyNamespace[len(c.Redis.KeyNamespace)-1] != ':' {
			c.Redis.KeyNamespace += ":"
		}
		if c.Redis.HealthEvery == 0 {
			c.Redis.HealthEvery = DefaultHealthInterval
		}
	}

	if c.Layout == nil {
		c.Layout = &LayoutConfig{}
	}
	if c.Layout.PageSize == 0 {
		c.Layout.PageSize = DefaultPageSize
	}
	if c.Layout.ColumnCount == 0 {
		c.Layout.ColumnCount = DefaultColumnCount
	}
	if c.Layout.ColumnWidth == 0 {
		c.Layout.ColumnWidth = DefaultColumnWidth
	}
	if c.Layout.SettleInterval == 0 {
		c.Layout.SettleInterval = DefaultSettleInterval
	}
	if c.Layout.ViewportHeight == 0 {
		c.Layout.ViewportHeight = DefaultViewportHeight
	}

	if c.Source == nil {
		c.Source = &SourceConfig{}
	}
}

// Validate reports the first impossible value. It expects SetDefaults to
// have run.
func (c *WaterfeedConfig) Validate() error {
	if c.Memory.BudgetFraction <= 0 || c.Memory.BudgetFraction > 1 {
		return fmt.Errorf("memory.budgetFraction must be in (0, 1], got %v", c.Memory.BudgetFraction)
	}
	if c.Memory.BudgetBytes() == 0 {
		return errors.New("memory budget resolves to zero bytes")
	}
	if c.Memory.MaxSourcePixels < 0 {
		return fmt.Errorf("memory.maxSourcePixels must be positive, got %d", c.Memory.MaxSourcePixels)
	}
	switch c.Disk.Type {
	case DURABLE_TYPE_DISK:
	case DURABLE_TYPE_REDIS:
		if c.Redis == nil || c.Redis.Address == "" {
			return errors.New("redis configuration required for disk.type redis")
		}
	default:
		return fmt.Errorf("unsupported disk.type: %s", c.Disk.Type)
	}
	if c.Layout.ColumnCount < 1 {
		return fmt.Errorf("layout.columnCount must be >= 1, got %d", c.Layout.ColumnCount)
	}
	if c.Layout.PageSize < 1 {
		return fmt.Errorf("layout.pageSize must be >= 1, got %d", c.Layout.PageSize)
	}
	if c.Layout.ColumnWidth < 1 {
		return fmt.Errorf("layout.columnWidth must be >= 1, got %d", c.Layout.ColumnWidth)
	}
	if c.Network.HostRequestsPerSecond < 0 || c.Network.HostBurst < 0 {
		return errors.New("network host pacing values must be >= 0")
	}
	if c.Network.Workers < 1 {
		return fmt.Errorf("network.workers must be >= 1, got %d", c.Network.Workers)
	}
	return nil
}
