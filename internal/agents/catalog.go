// Package agents manages the catalog of launchable agent definitions.
package agents

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cardev/car/internal/common/logger"
)

//go:embed agents.yaml
var catalogFS embed.FS

// Backend flavors an agent definition may declare.
const (
	FlavorCodex    = "codex"
	FlavorOpencode = "opencode"
)

// ErrUnknownAgent is wrapped by Get for ids the catalog does not carry.
var ErrUnknownAgent = errors.New("unknown agent")

// Agent describes one launchable agent: the argv to run, the backend flavor
// it speaks, and the per-turn defaults applied when a caller leaves them
// unset.
type Agent struct {
	ID      string            `yaml:"id"`
	Name    string            `yaml:"name"`
	Flavor  string            `yaml:"flavor"`
	Command []string          `yaml:"command"`
	Env     map[string]string `yaml:"env,omitempty"`

	Model          string `yaml:"model,omitempty"`
	Effort         string `yaml:"effort,omitempty"`
	ApprovalPolicy string `yaml:"approvalPolicy,omitempty"`
	SandboxPolicy  string `yaml:"sandboxPolicy,omitempty"`

	Disabled bool `yaml:"disabled,omitempty"`
}

// catalogFile is the shape of agents.yaml.
type catalogFile struct {
	Version string  `yaml:"version"`
	Agents  []Agent `yaml:"agents"`
}

// Catalog holds agent definitions keyed by id. The embedded defaults are
// loaded at construction; a file named in config merges over them by id.
type Catalog struct {
	agents map[string]Agent
	mu     sync.RWMutex
	logger *logger.Logger
}

// NewCatalog builds a catalog from the embedded defaults.
func NewCatalog(log *logger.Logger) (*Catalog, error) {
	data, err := catalogFS.ReadFile("agents.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded catalog: %w", err)
	}

	c := &Catalog{
		agents: make(map[string]Agent),
		logger: log,
	}
	if err := c.merge(data, "embedded"); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile merges agent definitions from a YAML file over the current
// catalog. Entries with matching ids replace the embedded ones; invalid
// entries are skipped with a warning so one bad definition cannot take the
// rest of the file down.
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalog file: %w", err)
	}
	if err := c.merge(data, path); err != nil {
		return err
	}
	c.logger.Info("agent catalog loaded", zap.String("path", path), zap.Int("agents", c.Len()))
	return nil
}

func (c *Catalog) merge(data []byte, source string) error {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse catalog %s: %w", source, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, agent := range file.Agents {
		if err := Validate(agent); err != nil {
			c.logger.Warn("skipping invalid agent definition",
				zap.String("id", agent.ID),
				zap.String("source", source),
				zap.Error(err))
			continue
		}
		c.agents[agent.ID] = agent
	}
	return nil
}

// Get returns the agent definition for id.
func (c *Catalog) Get(id string) (Agent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	agent, ok := c.agents[id]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %q", ErrUnknownAgent, id)
	}
	return agent, nil
}

// Exists reports whether the catalog carries id.
func (c *Catalog) Exists(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.agents[id]
	return ok
}

// List returns all definitions sorted by id.
func (c *Catalog) List() []Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Agent, 0, len(c.agents))
	for _, agent := range c.agents {
		result = append(result, agent)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// ListEnabled returns the definitions not marked disabled, sorted by id.
func (c *Catalog) ListEnabled() []Agent {
	all := c.List()
	result := all[:0]
	for _, agent := range all {
		if !agent.Disabled {
			result = append(result, agent)
		}
	}
	return result
}

// Len returns the number of definitions.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.agents)
}

// Validate checks one agent definition.
func Validate(agent Agent) error {
	if agent.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if len(agent.Command) == 0 {
		return fmt.Errorf("agent command is required")
	}
	switch agent.Flavor {
	case FlavorCodex, FlavorOpencode:
	case "":
		return fmt.Errorf("agent flavor is required")
	default:
		return fmt.Errorf("unsupported agent flavor %q", agent.Flavor)
	}
	return nil
}
