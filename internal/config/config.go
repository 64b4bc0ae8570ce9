// internal/config/config.go
package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/familycom/familycom/internal/util"
)

// Config is FamilyCom's on-disk configuration (§6): identity, display name,
// the inbound TCP port, an optional discovery interface restriction, and
// an opaque command used by the terminal-launching collaborator.
type Config struct {
	PeerID           string `json:"peer_id"`
	DisplayName      string `json:"display_name"`
	TCPPort          int    `json:"tcp_port"`
	NetworkInterface string `json:"network_interface,omitempty"`
	TerminalCommand  string `json:"terminal_command,omitempty"`
}

// Default returns a Config with the given PeerID and no display name;
// callers must set DisplayName before the config is usable (Validate
// rejects an empty one).
func Default(peerID string) Config {
	return Config{
		PeerID:      peerID,
		DisplayName: "",
		TCPPort:     0,
	}
}

// Validate enforces the field invariants of §6: peer_id and display_name
// are required, tcp_port is in range.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.PeerID) == "" {
		return errors.New("peer_id is required")
	}
	if strings.TrimSpace(c.DisplayName) == "" {
		return errors.New("display_name is required")
	}
	if c.TCPPort < 0 || c.TCPPort > 65535 {
		return errors.New("tcp_port must be 0..65535")
	}
	return nil
}

// Load reads and validates the config file at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save validates and writes cfg to path, creating parent directories as
// needed.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads the config at path if present; otherwise it writes a new
// default config whose identity comes from newPeerID and whose display
// name is defaultDisplayName.
// Returns (cfg, createdNew, err).
func Ensure(path string, newPeerID func() string, defaultDisplayName string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default(newPeerID())
	cfg.DisplayName = defaultDisplayName
	if err := Save(path, cfg); err != nil {
		return Config{}, false, err
	}
	return cfg, true, nil
}

// Watcher notifies the daemon core whenever the config file at path is
// written or created on disk, whether by an external editor (e.g. a
// settings UI) or by the daemon's own Save calls, so the daemon can
// cheaply reload display_name without a restart. Grounded on the teacher's lua.Engine watchLoop, which reacts to
// fsnotify Write/Create events to hot-reload scripts.
type Watcher struct {
	watcher *fsnotify.Watcher
	Changed chan struct{}
	closed  chan struct{}
}

// WatchFile starts watching path for external edits.
func WatchFile(path string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}
	cw := &Watcher{watcher: w, Changed: make(chan struct{}, 1), closed: make(chan struct{})}
	go cw.loop(path)
	return cw, nil
}

func (w *Watcher) loop(path string) {
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			select {
			case w.Changed <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config: watcher error: %v", err)
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.closed)
	return w.watcher.Close()
}
