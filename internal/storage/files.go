package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// State files live as flat records under the data directory and are reloaded
// at startup and on an explicit admin reload. A missing or corrupt file is
// never fatal: callers get their zero value back and carry on.

// LoadJSON reads a JSON state file into v. A missing file leaves v untouched
// and returns the underlying not-exist error so callers can log it at a
// lower level.
func LoadJSON(dataDir, name string, v any) error {
	path := filepath.Join(dataDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// SaveJSON writes v as indented JSON, through a temp file and rename so a
// crash mid-write can't truncate the previous state.
func SaveJSON(dataDir, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	path := filepath.Join(dataDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadLines reads a line-oriented file (ignore list, facts), skipping blanks.
func LoadLines(dataDir, name string) ([]string, error) {
	path := filepath.Join(dataDir, name)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

// SaveLines writes a line-oriented file.
func SaveLines(dataDir, name string, lines []string) error {
	path := filepath.Join(dataDir, name)
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	for _, line := range lines {
		if _, err := fmt.Fprintln(file, line); err != nil {
			return err
		}
	}
	return nil
}
