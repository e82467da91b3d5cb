package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cardev/car/internal/common/logger"
)

// DeliveryTargetsFile is the store file name under the state root.
const DeliveryTargetsFile = "delivery_targets.json"

// deliveryTargetsVersion is the on-disk schema version.
const deliveryTargetsVersion = 1

// Target kinds.
const (
	TargetKindWeb   = "web"
	TargetKindLocal = "local"
	TargetKindChat  = "chat"
)

// DeliveryTarget is one registered destination for run output. Canonical
// keys: "web", "local:<relpath>", "chat:<platform>:<chat_id>[:<thread_id>]".
type DeliveryTarget struct {
	Kind     string `json:"kind"`
	Path     string `json:"path,omitempty"`
	Platform string `json:"platform,omitempty"`
	ChatID   string `json:"chatId,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
	Label    string `json:"label,omitempty"`

	AddedAt time.Time `json:"addedAt,omitempty"`
}

// CanonicalKey renders the target's canonical key. Parsing then re-rendering
// a canonical key preserves it.
func (t DeliveryTarget) CanonicalKey() string {
	switch t.Kind {
	case TargetKindWeb:
		return "web"
	case TargetKindLocal:
		return "local:" + t.Path
	case TargetKindChat:
		key := "chat:" + t.Platform + ":" + t.ChatID
		if t.ThreadID != "" {
			key += ":" + t.ThreadID
		}
		return key
	default:
		return ""
	}
}

// ParseTargetKey parses a canonical delivery-target key.
func ParseTargetKey(key string) (DeliveryTarget, error) {
	if key == "web" {
		return DeliveryTarget{Kind: TargetKindWeb}, nil
	}
	if rel, ok := strings.CutPrefix(key, "local:"); ok {
		if rel == "" {
			return DeliveryTarget{}, fmt.Errorf("local target needs a path: %q", key)
		}
		return DeliveryTarget{Kind: TargetKindLocal, Path: rel}, nil
	}
	if rest, ok := strings.CutPrefix(key, "chat:"); ok {
		parts := strings.Split(rest, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return DeliveryTarget{}, fmt.Errorf("chat target needs platform and chat id: %q", key)
		}
		t := DeliveryTarget{Kind: TargetKindChat, Platform: parts[0], ChatID: parts[1]}
		if len(parts) == 3 {
			if parts[2] == "" {
				return DeliveryTarget{}, fmt.Errorf("chat target has empty thread id: %q", key)
			}
			t.ThreadID = parts[2]
		}
		return t, nil
	}
	return DeliveryTarget{}, fmt.Errorf("unrecognized delivery target key: %q", key)
}

// deliveryTargetsFile is the on-disk document.
type deliveryTargetsFile struct {
	Version              int                       `json:"version"`
	Targets              map[string]DeliveryTarget `json:"targets"`
	LastDeliveryByTarget map[string]time.Time      `json:"last_delivery_by_target"`
	ActiveTargetKey      string                    `json:"active_target_key,omitempty"`
}

func newDeliveryTargetsFile() *deliveryTargetsFile {
	return &deliveryTargetsFile{
		Version:              deliveryTargetsVersion,
		Targets:              make(map[string]DeliveryTarget),
		LastDeliveryByTarget: make(map[string]time.Time),
	}
}

// DeliveryTargetStore persists delivery targets with an optional active
// pointer. It is surface-facing state, not turn-critical; writes share the
// same lock-and-rename discipline as the thread registry.
type DeliveryTargetStore struct {
	path   string
	mu     sync.Mutex
	logger *logger.Logger
}

// NewDeliveryTargetStore returns a store rooted at stateRoot.
func NewDeliveryTargetStore(stateRoot string, log *logger.Logger) *DeliveryTargetStore {
	return &DeliveryTargetStore{
		path:   filepath.Join(stateRoot, DeliveryTargetsFile),
		logger: log.WithComponent("delivery_targets"),
	}
}

// Add registers the target under its canonical key and returns the key.
func (s *DeliveryTargetStore) Add(target DeliveryTarget) (string, error) {
	key := target.CanonicalKey()
	if key == "" {
		return "", fmt.Errorf("unrecognized delivery target kind: %q", target.Kind)
	}
	if target.AddedAt.IsZero() {
		target.AddedAt = time.Now().UTC()
	}
	err := s.update(func(doc *deliveryTargetsFile) error {
		doc.Targets[key] = target
		return nil
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// Remove deletes the target with the given key. Removing the active target
// clears the active pointer.
func (s *DeliveryTargetStore) Remove(key string) error {
	return s.update(func(doc *deliveryTargetsFile) error {
		if _, ok := doc.Targets[key]; !ok {
			return fmt.Errorf("delivery target not found: %q", key)
		}
		delete(doc.Targets, key)
		delete(doc.LastDeliveryByTarget, key)
		if doc.ActiveTargetKey == key {
			doc.ActiveTargetKey = ""
		}
		return nil
	})
}

// Get returns the target stored under key.
func (s *DeliveryTargetStore) Get(key string) (DeliveryTarget, bool) {
	doc := s.read()
	t, ok := doc.Targets[key]
	return t, ok
}

// List returns all targets with their keys, sorted by key.
func (s *DeliveryTargetStore) List() map[string]DeliveryTarget {
	doc := s.read()
	out := make(map[string]DeliveryTarget, len(doc.Targets))
	for k, v := range doc.Targets {
		out[k] = v
	}
	return out
}

// Keys returns the sorted canonical keys.
func (s *DeliveryTargetStore) Keys() []string {
	doc := s.read()
	keys := make([]string, 0, len(doc.Targets))
	for k := range doc.Targets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetActive points the active target at key, which must exist. An empty key
// clears the pointer.
func (s *DeliveryTargetStore) SetActive(key string) error {
	return s.update(func(doc *deliveryTargetsFile) error {
		if key != "" {
			if _, ok := doc.Targets[key]; !ok {
				return fmt.Errorf("delivery target not found: %q", key)
			}
		}
		doc.ActiveTargetKey = key
		return nil
	})
}

// Active returns the active target, if one is set.
func (s *DeliveryTargetStore) Active() (string, DeliveryTarget, bool) {
	doc := s.read()
	if doc.ActiveTargetKey == "" {
		return "", DeliveryTarget{}, false
	}
	t, ok := doc.Targets[doc.ActiveTargetKey]
	return doc.ActiveTargetKey, t, ok
}

// RecordDelivery stamps the last delivery time for key.
func (s *DeliveryTargetStore) RecordDelivery(key string, at time.Time) error {
	return s.update(func(doc *deliveryTargetsFile) error {
		if _, ok := doc.Targets[key]; !ok {
			return fmt.Errorf("delivery target not found: %q", key)
		}
		doc.LastDeliveryByTarget[key] = at.UTC()
		return nil
	})
}

// LastDelivery returns the last recorded delivery time for key.
func (s *DeliveryTargetStore) LastDelivery(key string) (time.Time, bool) {
	doc := s.read()
	at, ok := doc.LastDeliveryByTarget[key]
	return at, ok
}

func (s *DeliveryTargetStore) read() *deliveryTargetsFile {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := acquireFileLock(s.path+".lock", false)
	if err != nil {
		return newDeliveryTargetsFile()
	}
	defer releaseFileLock(lock)

	return s.loadLocked()
}

func (s *DeliveryTargetStore) update(mutate func(*deliveryTargetsFile) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := acquireFileLock(s.path+".lock", true)
	if err != nil {
		return fmt.Errorf("lock delivery targets: %w", err)
	}
	defer releaseFileLock(lock)

	doc := s.loadLocked()
	if err := mutate(doc); err != nil {
		return err
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode delivery targets: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("write delivery targets: %w", err)
	}
	return nil
}

func (s *DeliveryTargetStore) loadLocked() *deliveryTargetsFile {
	doc := newDeliveryTargetsFile()

	data, err := os.ReadFile(s.path)
	if err != nil || len(data) == 0 {
		return doc
	}
	if err := json.Unmarshal(data, doc); err != nil {
		s.logger.Warn("delivery_targets.invalid", zap.Error(err))
		return newDeliveryTargetsFile()
	}
	if doc.Targets == nil {
		doc.Targets = make(map[string]DeliveryTarget)
	}
	if doc.LastDeliveryByTarget == nil {
		doc.LastDeliveryByTarget = make(map[string]time.Time)
	}
	doc.Version = deliveryTargetsVersion
	return doc
}
