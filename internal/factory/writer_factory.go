package factory

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"Go2NetSession/internal/config"
	"Go2NetSession/internal/model"
)

// Env carries what every writer constructor may need besides its own config.
type Env struct {
	RunID uuid.UUID
	Log   logrus.FieldLogger
}

// WriterFactory builds a session writer from its definition.
type WriterFactory func(def config.WriterDef, env Env) (model.Writer, error)

// registry holds the mapping of writer types to their factory functions.
var registry = make(map[string]WriterFactory)

// RegisterWriter registers a new writer type with its factory function.
func RegisterWriter(name string, factory WriterFactory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("writer type '%s' already registered", name))
	}
	registry[name] = factory
}

// Registered returns the known writer types, sorted.
func Registered() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds every enabled writer in configuration order. If one fails,
// the writers created so far are closed before the error is returned.
func Create(cfg *config.Config, env Env) ([]model.Writer, error) {
	var writers []model.Writer

	for _, def := range cfg.EnabledWriters() {
		env.Log.Infof("Creating writer of type '%s'", def.Type)

		factory, ok := registry[def.Type]
		if !ok {
			closeAll(writers)
			return nil, fmt.Errorf("unknown writer type: '%s'", def.Type)
		}

		w, err := factory(def, env)
		if err != nil {
			closeAll(writers)
			return nil, fmt.Errorf("error creating writer type '%s': %w", def.Type, err)
		}
		writers = append(writers, w)
	}

	return writers, nil
}

func closeAll(writers []model.Writer) {
	for _, w := range writers {
		w.Close()
	}
}

// Check reports enabled writers whose type has no registered factory, so a
// run can fail before it opens any input or output.
func Check(cfg *config.Config) error {
	for _, def := range cfg.EnabledWriters() {
		if _, ok := registry[def.Type]; !ok {
			return fmt.Errorf("%w: unknown writer type '%s' (known: %v)", config.ErrInvalidConfig, def.Type, Registered())
		}
	}
	return nil
}
