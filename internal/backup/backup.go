// Package backup takes rotating copies of the gantry database. A copy is
// made on CLI startup when the newest backup is older than the configured
// interval; files are named gantry.db.bak.1 (newest) through bak.N.
package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/parallax-code/gantry/internal/config"
)

// Prefix names backup files next to the database.
const Prefix = "gantry.db.bak."

// Manager owns the backup directory for one database file.
type Manager struct {
	dbPath string
	dir    string
	cfg    config.BackupConfig
}

// NewManager creates a Manager. The backup directory defaults to the
// database's own directory.
func NewManager(dbPath string, cfg config.BackupConfig) *Manager {
	dir := cfg.Path
	if dir == "" {
		dir = filepath.Dir(dbPath)
	}
	return &Manager{dbPath: dbPath, dir: dir, cfg: cfg}
}

// BackupIfNeeded copies the database when the newest backup is missing or
// older than the interval. It returns the new backup path, or "" when
// nothing needed doing.
func (m *Manager) BackupIfNeeded() (string, error) {
	if !m.cfg.Enabled {
		return "", nil
	}
	if _, err := os.Stat(m.dbPath); os.IsNotExist(err) {
		return "", nil
	}

	needed, err := m.needed()
	if err != nil {
		return "", fmt.Errorf("checking backup age: %w", err)
	}
	if !needed {
		return "", nil
	}

	path, err := m.create()
	if err != nil {
		return "", fmt.Errorf("creating backup: %w", err)
	}
	return path, nil
}

func (m *Manager) needed() (bool, error) {
	backups, err := m.list()
	if err != nil {
		return false, err
	}
	if len(backups) == 0 {
		return true, nil
	}

	info, err := os.Stat(backups[0])
	if err != nil {
		return false, fmt.Errorf("stat newest backup: %w", err)
	}
	return time.Since(info.ModTime()) > time.Duration(m.cfg.IntervalHours)*time.Hour, nil
}

// list returns existing backup paths, newest (bak.1) first.
func (m *Manager) list() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	type numbered struct {
		path string
		n    int
	}
	var backups []numbered
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), Prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), Prefix))
		if err != nil {
			continue
		}
		backups = append(backups, numbered{filepath.Join(m.dir, entry.Name()), n})
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].n < backups[j].n })

	paths := make([]string, len(backups))
	for i, b := range backups {
		paths[i] = b.path
	}
	return paths, nil
}

func (m *Manager) create() (string, error) {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}
	if err := m.rotate(); err != nil {
		return "", fmt.Errorf("rotating backups: %w", err)
	}

	path := filepath.Join(m.dir, Prefix+"1")
	if err := copyFile(m.dbPath, path); err != nil {
		return "", fmt.Errorf("copying database: %w", err)
	}
	return path, nil
}

// rotate shifts bak.N to bak.N+1, oldest first so nothing is overwritten,
// and drops anything past MaxCount.
func (m *Manager) rotate() error {
	backups, err := m.list()
	if err != nil {
		return err
	}

	for i := len(backups) - 1; i >= 0; i-- {
		path := backups[i]
		n, _ := strconv.Atoi(strings.TrimPrefix(filepath.Base(path), Prefix))

		if n+1 > m.cfg.MaxCount {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("deleting old backup %s: %w", path, err)
			}
			continue
		}
		next := filepath.Join(m.dir, fmt.Sprintf("%s%d", Prefix, n+1))
		if err := os.Rename(path, next); err != nil {
			return fmt.Errorf("renaming backup %s: %w", path, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return out.Sync()
}

// ListBackups returns existing backup paths, newest first.
func (m *Manager) ListBackups() ([]string, error) {
	return m.list()
}

// Dir returns the backup directory.
func (m *Manager) Dir() string {
	return m.dir
}
