package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"

	perr "dumpflat/internal/errors"
)

// Setting keys understood by Settings.
const (
	KeyDownloadDir = "download_dir"
	KeyListingURL  = "listing_url"
)

// DefaultListingURL is the public bucket index of the Discogs data dumps.
const DefaultListingURL = "https://discogs-data-dumps.s3.us-west-2.amazonaws.com/"

var knownKeys = map[string]bool{KeyDownloadDir: true, KeyListingURL: true}

// Settings is the persistent CLI settings file, stored as TOML in
// <dir>/config.toml. It is safe for concurrent use.
type Settings struct {
	mu       sync.RWMutex
	filePath string
	home     string
	data     map[string]any
}

// OpenSettings loads the settings file in dir, creating dir when needed.
// An empty dir means ~/.dumpflat.
func OpenSettings(dir string) (*Settings, error) {
	home, _ := os.UserHomeDir()
	if dir == "" {
		if home == "" {
			return nil, perr.Configf("cannot resolve home directory for settings")
		}
		dir = filepath.Join(home, ".dumpflat")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, perr.IO("mkdir", dir, err)
	}

	s := &Settings{
		filePath: filepath.Join(dir, "config.toml"),
		home:     home,
		data:     make(map[string]any),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Keys lists the supported setting names.
func Keys() []string {
	out := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Path is the settings file location.
func (s *Settings) Path() string { return s.filePath }

// Get returns the stored string for key, if any.
func (s *Settings) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// Set stores value under key and persists the file.
func (s *Settings) Set(key, value string) error {
	if !knownKeys[key] {
		return perr.Configf("unknown setting %q (known: %s)", key, strings.Join(Keys(), ", "))
	}
	if key == KeyDownloadDir {
		value = s.expand(value)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return s.save()
}

// DownloadDir is the base working directory for fetched dumps, by default
// ~/Downloads/Discogs.
func (s *Settings) DownloadDir() string {
	if v, ok := s.Get(KeyDownloadDir); ok && v != "" {
		return s.expand(v)
	}
	return filepath.Join(s.home, "Downloads", "Discogs")
}

// ListingURL is the bucket index the list and fetch commands read.
func (s *Settings) ListingURL() string {
	if v, ok := s.Get(KeyListingURL); ok && v != "" {
		return v
	}
	return DefaultListingURL
}

func (s *Settings) expand(p string) string {
	if s.home != "" && (p == "~" || strings.HasPrefix(p, "~/")) {
		return filepath.Join(s.home, strings.TrimPrefix(p, "~"))
	}
	return p
}

// save writes the file; the caller holds the lock.
func (s *Settings) save() error {
	b, err := toml.Marshal(s.data)
	if err != nil {
		return perr.Wrap(err, perr.KindConfig, "encode settings")
	}
	if err := os.WriteFile(s.filePath, b, 0o600); err != nil {
		return perr.IO("write", s.filePath, err)
	}
	return nil
}

func (s *Settings) load() error {
	b, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return perr.IO("read", s.filePath, err)
	}
	var loaded map[string]any
	if err := toml.Unmarshal(b, &loaded); err != nil {
		return perr.WrapPath(err, perr.KindConfig, "decode settings", s.filePath)
	}
	if loaded != nil {
		s.data = loaded
	}
	return nil
}
