package chains

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/nasa/harmony-orchestrator/internal/models"
)

// StepDefinition is one stage of a service chain as declared in YAML
type StepDefinition struct {
	Service             string  `yaml:"service"` // container image tag
	Kind                string  `yaml:"kind"`
	ProgressWeight      float64 `yaml:"progress_weight"`
	MaxBatchInputs      int     `yaml:"max_batch_inputs"`
	MaxBatchSizeInBytes int64   `yaml:"max_batch_size_in_bytes"`
}

// ChainDefinition maps a request to its ordered pipeline of services
type ChainDefinition struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Steps       []StepDefinition `yaml:"steps"`
}

// Validate checks a chain definition for structural problems
func (c *ChainDefinition) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("chain is missing a name")
	}
	if len(c.Steps) == 0 {
		return fmt.Errorf("chain %s has no steps", c.Name)
	}

	for i, step := range c.Steps {
		if step.Service == "" {
			return fmt.Errorf("chain %s step %d is missing a service", c.Name, i+1)
		}
		kind := models.StepKind(step.Kind)
		if !kind.IsValid() {
			return fmt.Errorf("chain %s step %d has unknown kind %q", c.Name, i+1, step.Kind)
		}
		// The query step pages the source catalog; it only makes sense first
		if kind == models.StepKindQuery && i != 0 {
			return fmt.Errorf("chain %s step %d: the query step must be first", c.Name, i+1)
		}
	}

	if models.StepKind(c.Steps[0].Kind) != models.StepKindQuery {
		return fmt.Errorf("chain %s must start with a %s step", c.Name, models.StepKindQuery)
	}

	return nil
}

// Service loads and serves chain definitions from a directory of YAML files
type Service struct {
	mu     sync.RWMutex
	chains map[string]*ChainDefinition
	logger arbor.ILogger
}

// NewService creates the chain registry and loads definitions from dir.
// A missing directory is not an error: the registry starts empty and only
// chains added later with Register are available.
func NewService(dir string, logger arbor.ILogger) (*Service, error) {
	s := &Service{
		chains: make(map[string]*ChainDefinition),
		logger: logger,
	}

	if dir == "" {
		return s, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Warn().Str("dir", dir).Msg("Chain definitions directory does not exist")
		return s, nil
	}

	if err := s.loadDir(dir); err != nil {
		return nil, err
	}

	logger.Info().Int("chains", len(s.chains)).Str("dir", dir).Msg("Service chain definitions loaded")
	return s, nil
}

func (s *Service) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read chain definitions directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read chain file %s: %w", path, err)
		}

		var chain ChainDefinition
		if err := yaml.Unmarshal(data, &chain); err != nil {
			return fmt.Errorf("failed to parse chain file %s: %w", path, err)
		}

		if err := chain.Validate(); err != nil {
			return fmt.Errorf("invalid chain file %s: %w", path, err)
		}

		if _, exists := s.chains[chain.Name]; exists {
			s.logger.Warn().Str("chain", chain.Name).Str("file", path).Msg("Duplicate chain name; later file wins")
		}
		s.chains[chain.Name] = &chain
	}

	return nil
}

// Register adds or replaces a chain definition programmatically
func (s *Service) Register(chain *ChainDefinition) error {
	if err := chain.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains[chain.Name] = chain
	return nil
}

// Get returns a chain definition by name
func (s *Service) Get(name string) (*ChainDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain, ok := s.chains[name]
	return chain, ok
}

// List returns all chain names in no particular order
func (s *Service) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.chains))
	for name := range s.chains {
		names = append(names, name)
	}
	return names
}
