// Package disk provides utilities for managing basalt's local storage: disk
// usage reporting, cache cleanup, and full data uninstallation.
package disk

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"basalt/pkg/config"
	"basalt/pkg/display"

	"github.com/dustin/go-humanize"
)

// Manager defines the operations for managing basalt's local storage.
type Manager interface {
	// Info prints disk usage statistics to the attached display.
	Info() error
	// CleanDir removes temporary and cached data (packages, downloads, discovery).
	CleanDir() error
	// UninstallData removes all basalt-related data, prompting unless force is set.
	UninstallData(force bool) error
	// GetInfo calculates and returns the current disk usage statistics.
	GetInfo() (stats []Usage, totalBytes int64)
	// Clean performs the physical removal of temporary and cached directories.
	Clean() (cleanedDirs []string)
	// Uninstall performs the physical removal of all basalt data directories.
	Uninstall() (removedDirs []string)
}

// manager implements the Manager interface.
type manager struct {
	cfg  config.Config
	Disp display.Display
}

// NewManager creates a new disk manager with the specified configuration and display.
func NewManager(cfg config.Config, disp display.Display) Manager {
	return &manager{cfg: cfg, Disp: disp}
}

// Usage represents disk usage information for a specific category of data.
type Usage struct {
	// Label is the display name of the category (e.g., "Packages").
	Label string
	// Size is the total size in bytes.
	Size int64
	// Items is the number of individual files in the category.
	Items int
	// Path is the filesystem path where this data is stored.
	Path string
}

// Info prints a table of disk usage statistics to the attached display.
func (m *manager) Info() error {
	stats, total := m.GetInfo()
	m.Disp.Print(fmt.Sprintf("%-15s %-10s %-10s %s\n", "Type", "Size", "Items", "Path"))
	m.Disp.Print(fmt.Sprintln(strings.Repeat("-", 75)))
	for _, s := range stats {
		m.Disp.Print(fmt.Sprintf("%-15s %-10s %-10d %s\n", s.Label, humanize.Bytes(uint64(s.Size)), s.Items, s.Path))
	}
	m.Disp.Print(fmt.Sprintln(strings.Repeat("-", 75)))
	m.Disp.Print(fmt.Sprintf("%-15s %-10s\n", "Total", humanize.Bytes(uint64(total))))
	return nil
}

// CleanDir removes temporary and cached data (packages, downloads, discovery).
func (m *manager) CleanDir() error {
	cleaned := m.Clean()
	for _, dir := range cleaned {
		slog.Info("cleaning", "path", dir)
	}
	slog.Info("clean complete")
	return nil
}

// UninstallData removes all basalt-related XDG directories.
func (m *manager) UninstallData(force bool) error {
	if !force {
		m.Disp.Print("This will delete ALL basalt data (cache, config, state). Are you sure? [y/N]: ")
		var response string
		fmt.Scanln(&response)
		if strings.ToLower(response) != "y" {
			m.Disp.Print("Aborted.\n")
			return nil
		}
	}
	removed := m.Uninstall()
	for _, dir := range removed {
		slog.Info("removing", "path", dir)
	}
	slog.Info("uninstall complete, local data removed")
	return nil
}

// GetInfo returns disk usage statistics for all basalt directories.
func (m *manager) GetInfo() ([]Usage, int64) {
	paths := map[string]string{
		"Packages":  m.cfg.GetPkgDir(),
		"Downloads": m.cfg.GetDownloadDir(),
		"Sources":   m.cfg.GetFetchCacheDir(),
		"Discovery": m.cfg.GetDiscoveryDir(),
		"Recipes":   m.cfg.GetRecipeDir(),
		"Backups":   m.cfg.GetBackupRoot(),
		"Sandboxes": m.cfg.GetSandboxDir(),
	}
	var total int64
	var stats []Usage
	for label, path := range paths {
		size, count := DirSize(path)
		total += size
		stats = append(stats, Usage{
			Label: label,
			Size:  size,
			Items: count,
			Path:  path,
		})
	}
	return stats, total
}

// Clean removes temporary and cached data (packages, downloads, discovery).
func (m *manager) Clean() []string {
	dirs := []string{
		m.cfg.GetPkgDir(),
		m.cfg.GetDownloadDir(),
		m.cfg.GetDiscoveryDir(),
	}
	var cleaned []string
	for _, dir := range dirs {
		if _, err := os.Stat(dir); err == nil {
			os.RemoveAll(dir)
			os.MkdirAll(dir, 0755)
			cleaned = append(cleaned, dir)
		}
	}
	return cleaned
}

// Uninstall removes all basalt-related XDG directories.
func (m *manager) Uninstall() []string {
	dirs := []string{
		m.cfg.GetCacheDir(),
		m.cfg.GetConfigDir(),
		m.cfg.GetStateDir(),
	}
	var removed []string
	for _, dir := range dirs {
		if _, err := os.Stat(dir); err == nil {
			os.RemoveAll(dir)
			removed = append(removed, dir)
		}
	}
	return removed
}

// DirSize calculates the total size and item count of a directory.
func DirSize(path string) (int64, int) {
	var size int64
	var count int
	_ = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
			count++
		}
		return nil
	})
	return size, count
}
