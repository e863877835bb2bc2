package id

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Strategy identifies the identifier generation algorithm to use.
type Strategy int

const (
	// StrategyKSUID generates lexicographically sortable identifiers using KSUID.
	StrategyKSUID Strategy = iota
	// StrategyUUIDv7 generates time-ordered identifiers using UUID version 7.
	StrategyUUIDv7
)

// ParseStrategy maps a config value ("ksuid", "uuidv7") to a Strategy.
func ParseStrategy(raw string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "ksuid":
		return StrategyKSUID, nil
	case "uuid", "uuidv7":
		return StrategyUUIDv7, nil
	default:
		return StrategyKSUID, fmt.Errorf("unknown id strategy %q", raw)
	}
}

var defaultGenerator = &Generator{strategy: StrategyKSUID}

// Generator produces prefixed identifiers for run sessions and tasks.
type Generator struct {
	mu       sync.RWMutex
	strategy Strategy
}

// SetStrategy configures the generation strategy for the default generator.
func SetStrategy(strategy Strategy) {
	defaultGenerator.mu.Lock()
	defaultGenerator.strategy = strategy
	defaultGenerator.mu.Unlock()
}

// NewSessionID identifies one orchestrator run; it namespaces the run's
// prompt and output files.
func NewSessionID() string {
	return defaultGenerator.newIdentifier("run")
}

// NewTaskID generates an identifier for tasks created through the CLI.
func NewTaskID() string {
	return defaultGenerator.newIdentifier("task")
}

func (g *Generator) newIdentifier(prefix string) string {
	g.mu.RLock()
	strategy := g.strategy
	g.mu.RUnlock()

	var body string
	switch strategy {
	case StrategyUUIDv7:
		if v7, err := uuid.NewV7(); err == nil {
			body = v7.String()
			break
		}
		body = ksuid.New().String()
	default:
		body = ksuid.New().String()
	}
	return prefix + "-" + body
}
