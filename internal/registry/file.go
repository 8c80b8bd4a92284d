package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolmesh/orchestrator/pkg/models"
)

const (
	pluginsFile      = "plugins.json"
	moduleStatusFile = "module-status.json"
	errorLogFile     = "error-log.json"
)

// FileStore persists registry state as three JSON files in one directory.
// Each write replaces a whole file via temp-then-rename; there is no
// cross-file atomicity, which is fine because every file is independently
// replayable.
type FileStore struct {
	dir    string
	saveMu sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the directory if needed and returns a file store
// rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// pairList serializes a map as ordered [key, value] pairs so files stay
// stable between writes and diff cleanly.
type pairList[T any] map[string]T

func (p pairList[T]) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([][]interface{}, 0, len(p))
	for _, k := range keys {
		pairs = append(pairs, []interface{}{k, p[k]})
	}
	return json.Marshal(pairs)
}

func (p *pairList[T]) UnmarshalJSON(data []byte) error {
	var pairs [][2]json.RawMessage
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	out := make(map[string]T, len(pairs))
	for _, pair := range pairs {
		var key string
		if err := json.Unmarshal(pair[0], &key); err != nil {
			return fmt.Errorf("pair key: %w", err)
		}
		var value T
		if err := json.Unmarshal(pair[1], &value); err != nil {
			return fmt.Errorf("pair value for %q: %w", key, err)
		}
		out[key] = value
	}
	*p = out
	return nil
}

// On-disk document shapes. Every file carries the write time so operators
// can tell at a glance how fresh a snapshot is.

type pluginsDoc struct {
	Plugins   pairList[models.Plugin] `json:"plugins"`
	Timestamp string                  `json:"timestamp"`
}

type moduleStatusDoc struct {
	ModuleStatus pairList[models.ModuleStatus] `json:"moduleStatus"`
	Timestamp    string                        `json:"timestamp"`
}

type errorLogDoc struct {
	Errors    []models.ErrorLogEntry `json:"errors"`
	Timestamp string                 `json:"timestamp"`
}

// Load reads whichever registry files exist. A missing file is normal on
// first start; an unreadable one is logged and treated as empty rather
// than blocking startup.
func (s *FileStore) Load(_ context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Plugins:      make(map[string]models.Plugin),
		ModuleStatus: make(map[string]models.ModuleStatus),
	}

	var pd pluginsDoc
	if s.readFile(pluginsFile, &pd) && pd.Plugins != nil {
		snap.Plugins = map[string]models.Plugin(pd.Plugins)
	}
	var md moduleStatusDoc
	if s.readFile(moduleStatusFile, &md) && md.ModuleStatus != nil {
		snap.ModuleStatus = map[string]models.ModuleStatus(md.ModuleStatus)
	}
	var ed errorLogDoc
	if s.readFile(errorLogFile, &ed) {
		snap.Errors = ed.Errors
	}
	return snap, nil
}

func (s *FileStore) readFile(name string, v interface{}) bool {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("file", name).Msg("No registry file found, starting fresh")
		} else {
			log.Error().Err(err).Str("file", name).Msg("Failed to read registry file, starting fresh")
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		log.Error().Err(err).Str("file", name).Msg("Failed to parse registry file, starting fresh")
		return false
	}
	return true
}

// Save rewrites the files selected by mask.
func (s *FileStore) Save(_ context.Context, snap *Snapshot, mask SaveMask) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)

	if mask&SavePlugins != 0 {
		doc := pluginsDoc{Plugins: pairList[models.Plugin](snap.Plugins), Timestamp: now}
		if err := s.writeFile(pluginsFile, doc); err != nil {
			return err
		}
	}
	if mask&SaveModuleStatus != 0 {
		doc := moduleStatusDoc{ModuleStatus: pairList[models.ModuleStatus](snap.ModuleStatus), Timestamp: now}
		if err := s.writeFile(moduleStatusFile, doc); err != nil {
			return err
		}
	}
	if mask&SaveErrors != 0 {
		errs := snap.Errors
		if errs == nil {
			errs = []models.ErrorLogEntry{}
		}
		doc := errorLogDoc{Errors: errs, Timestamp: now}
		if err := s.writeFile(errorLogFile, doc); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) writeFile(name string, doc interface{}) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	log.Debug().Str("file", name).Msg("Registry file saved")
	return nil
}

// Describe reports store identity for the health surface.
func (s *FileStore) Describe() map[string]interface{} {
	return map[string]interface{}{"store": "file", "path": s.dir}
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }
