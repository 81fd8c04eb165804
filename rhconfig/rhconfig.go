// Package rhconfig holds the persisted settings blob described in
// spec.md §6.4: the one thing that survives a restart of the GUI
// process that otherwise only talks to routerhub through
// router.Engine/router.Client. It is JSON on disk, written atomically
// (temp file + rename, the same shape rustyguts-bken's blob store uses
// for its own durable writes), and carries the bounded, LRU-evicted
// router connection history the GUI's "recent routers" list reads.
package rhconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Settings is the on-disk configuration blob, field-for-field matching
// spec.md §6.4.
type Settings struct {
	Protocol       string        `json:"protocol"`
	Inputs         int           `json:"inputs"`
	Outputs        int           `json:"outputs"`
	Levels         int           `json:"levels"`
	Port           int           `json:"port"`
	ModelName      string        `json:"model_name"`
	FriendlyName   string        `json:"friendly_name"`
	AutoStart      bool          `json:"auto_start"`
	ControllerHost string        `json:"controller_host"`
	ControllerPort int           `json:"controller_port"`
	AutoReconnect  bool          `json:"auto_reconnect"`
	RouterHistory  []RouterEntry `json:"router_history"`
}

// RouterEntry identifies one previously-used controller target.
type RouterEntry struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

// maxHistory bounds RouterHistory per spec.md §6.4 ("router_history[≤10]").
const maxHistory = 10

// Default returns the out-of-the-box settings: VideoHub, 12x12, one
// level, the protocol's default port.
func Default() Settings {
	return Settings{
		Protocol:     "videohub",
		Inputs:       12,
		Outputs:      12,
		Levels:       1,
		Port:         9990,
		ModelName:    "Routerhub Simulator",
		FriendlyName: "Routerhub",
	}
}

// Load reads and parses path. A missing file is not an error: it
// returns Default().
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("rhconfig: read %s: %w", path, err)
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("rhconfig: parse %s: %w", path, err)
	}
	return s, nil
}

// Save writes s to path atomically: marshal to a temp file in the same
// directory, then rename over the destination, so a crash or
// concurrent reader never observes a partially-written settings file.
func Save(path string, s Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("rhconfig: marshal: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".rhconfig-*.tmp")
	if err != nil {
		return fmt.Errorf("rhconfig: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rhconfig: write %s: %w", tmpPath, writeErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rhconfig: close %s: %w", tmpPath, closeErr)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rhconfig: replace %s: %w", path, err)
	}
	return nil
}

// Touch records a successful connection to (host, port, protocol) at
// the front of RouterHistory, moving an existing entry for the same
// triple to the front instead of duplicating it, and evicting the
// oldest entry past maxHistory.
func (s *Settings) Touch(host string, port int, protocol string) {
	entry := RouterEntry{Host: host, Port: port, Protocol: protocol}
	out := make([]RouterEntry, 0, len(s.RouterHistory)+1)
	out = append(out, entry)
	for _, e := range s.RouterHistory {
		if e == entry {
			continue
		}
		out = append(out, e)
	}
	if len(out) > maxHistory {
		out = out[:maxHistory]
	}
	s.RouterHistory = out
}
