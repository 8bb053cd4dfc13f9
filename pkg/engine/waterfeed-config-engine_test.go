package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	"waterfeed/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint16(9000), config.Server.Port)
	assert.Equal(t, models.DefaultPageSize, config.Layout.PageSize)
	assert.Equal(t, models.DefaultColumnCount, config.Layout.ColumnCount)
	assert.Equal(t, models.DURABLE_TYPE_DISK, config.Disk.Type)
	assert.Equal(t, uint64(models.DefaultDiskBudget), config.Disk.BudgetBytes)
	assert.Equal(t, 5*time.Millisecond, config.Layout.SettleInterval)
	assert.NotZero(t, config.Memory.CeilingBytes)
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"fraction":  "memory:\n  budgetFraction: 1.5\n",
		"columns":   "layout:\n  columnCount: -1\n",
		"disk type": "disk:\n  type: tape\n",
		"redis":     "disk:\n  type: redis\n",
		"yaml":      "layout: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadSourceURLs(t *testing.T) {
	dir := t.TempDir()
	list := "# feed\nhttp://a/1.png\n\n  http://a/2.gif  \nftp://a/3.png\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "urls.txt"), []byte(list), 0o644))

	urls, err := loadSourceURLs(&models.SourceConfig{
		File:    "urls.txt",
		URLs:    []string{"http://b/4.png", " "},
		Include: []string{`^https?://`},
		Exclude: []string{`\.gif$`},
	}, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a/1.png", "http://b/4.png"}, urls)
}

func TestLoadSourceURLs_Errors(t *testing.T) {
	_, err := loadSourceURLs(&models.SourceConfig{File: "missing.txt"}, t.TempDir())
	assert.Error(t, err)

	_, err = loadSourceURLs(&models.SourceConfig{Include: []string{"("}}, t.TempDir())
	assert.Error(t, err)
}

func TestInitConfig_RoundTrips(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("AppData", home)

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "waterfeed.config.yaml")
	require.NoError(t, InitConfig(path))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.NotZero(t, config.Server.Port)
	assert.Equal(t, "urls.txt", config.Source.File)
	assert.Equal(t, models.DefaultSettleInterval, config.Layout.SettleInterval)

	want, err := defaultStorageDir(path)
	require.NoError(t, err)
	assert.Equal(t, want, config.Storage.Path)
}
