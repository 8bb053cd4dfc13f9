package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"waterfeed/pkg/models"

	"gopkg.in/yaml.v3"
)

// KillWaterfeed sends SIGTERM to the engine started with configPath.
func KillWaterfeed(configPath string) error {
	pid, err := readPid(configPath)
	if err != nil {
		return err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process with PID %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM to process %d: %w", pid, err)
	}
	return nil
}

func readPid(configPath string) (int, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read config file: %w", err)
	}

	var config models.WaterfeedConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return 0, fmt.Errorf("failed to parse config file: %w", err)
	}

	if config.Storage == nil || config.Storage.Path == "" {
		dir, err := defaultStorageDir(configPath)
		if err != nil {
			return 0, err
		}
		config.Storage = &models.StorageConfig{Path: dir}
	}

	pidPath := filepath.Join(config.Storage.Path, pidFileName)
	pidData, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID content in %s: %w", pidPath, err)
	}
	return pid, nil
}
