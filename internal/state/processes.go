package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cardev/car/internal/common/logger"
)

// processDirName is the hidden directory under a workspace root that holds
// process records.
const processDirName = ".car"

// ProcessRecord describes one managed child process. A record is written on
// spawn and removed on close; anything still on disk names either a live
// child or one that died without cleanup.
type ProcessRecord struct {
	Kind          string    `json:"kind"`
	Key           string    `json:"key"`
	PID           int       `json:"pid"`
	Argv          []string  `json:"argv,omitempty"`
	WorkspaceRoot string    `json:"workspaceRoot,omitempty"`
	Flavor        string    `json:"flavor,omitempty"`
	AgentID       string    `json:"agentId,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
}

// ProcessRegistry stores one JSON file per managed child under
// <workspace>/.car/processes/<kind>/<key>.json.
type ProcessRegistry struct {
	root   string
	logger *logger.Logger
}

// NewProcessRegistry returns a registry rooted at the given workspace.
func NewProcessRegistry(workspaceRoot string, log *logger.Logger) *ProcessRegistry {
	return &ProcessRegistry{
		root:   filepath.Join(workspaceRoot, processDirName, "processes"),
		logger: log.WithComponent("process_registry"),
	}
}

// Root returns the directory holding the records.
func (p *ProcessRegistry) Root() string { return p.root }

// Write persists rec, creating directories as needed.
func (p *ProcessRegistry) Write(rec ProcessRecord) error {
	if rec.Kind == "" || rec.Key == "" {
		return fmt.Errorf("process record needs kind and key")
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode process record: %w", err)
	}
	path := p.recordPath(rec.Kind, rec.Key)
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("write process record: %w", err)
	}
	p.logger.Debug("process_record.written",
		zap.String("kind", rec.Kind),
		zap.String("key", rec.Key),
		zap.Int("pid", rec.PID))
	return nil
}

// Remove deletes the record for (kind, key). A missing record is not an
// error; close paths run more than once.
func (p *ProcessRegistry) Remove(kind, key string) error {
	err := os.Remove(p.recordPath(kind, key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove process record: %w", err)
	}
	return nil
}

// Get reads the record for (kind, key).
func (p *ProcessRegistry) Get(kind, key string) (*ProcessRecord, error) {
	data, err := os.ReadFile(p.recordPath(kind, key))
	if err != nil {
		return nil, err
	}
	var rec ProcessRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode process record: %w", err)
	}
	return &rec, nil
}

// List returns all records of one kind, sorted by key.
func (p *ProcessRegistry) List(kind string) ([]ProcessRecord, error) {
	return p.readDir(filepath.Join(p.root, sanitizePathComponent(kind)))
}

// ListAll returns every record across kinds.
func (p *ProcessRegistry) ListAll() ([]ProcessRecord, error) {
	kinds, err := os.ReadDir(p.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var all []ProcessRecord
	for _, entry := range kinds {
		if !entry.IsDir() {
			continue
		}
		recs, err := p.readDir(filepath.Join(p.root, entry.Name()))
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Kind != all[j].Kind {
			return all[i].Kind < all[j].Kind
		}
		return all[i].Key < all[j].Key
	})
	return all, nil
}

func (p *ProcessRegistry) readDir(dir string) ([]ProcessRecord, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var recs []ProcessRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var rec ProcessRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			p.logger.Warn("process_record.invalid",
				zap.String("file", entry.Name()),
				zap.Error(err))
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })
	return recs, nil
}

func (p *ProcessRegistry) recordPath(kind, key string) string {
	return filepath.Join(p.root, sanitizePathComponent(kind), sanitizePathComponent(key)+".json")
}

// sanitizePathComponent keeps record names filesystem-safe. Path separators
// and control characters become underscores.
func sanitizePathComponent(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == 0:
			return '_'
		case r < 0x20:
			return '_'
		}
		return r
	}, s)
}
