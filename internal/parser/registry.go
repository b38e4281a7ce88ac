package parser

import (
	"fmt"
	"strings"

	"github.com/aim-datalog/backend/internal/models"
)

// Registry holds all available parsers and provides auto-detection.
type Registry struct {
	parsers []Parser
}

// Global registry instance
var globalRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{
		parsers: []Parser{
			NewAiMParser(),
		},
	}
}

// GetGlobalRegistry returns the singleton registry.
func GetGlobalRegistry() *Registry {
	return globalRegistry
}

// Register adds a new parser to the registry.
func (r *Registry) Register(p Parser) {
	r.parsers = append(r.parsers, p)
}

// Names lists the registered parser names in detection order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.parsers))
	for i, p := range r.parsers {
		names[i] = p.Name()
	}
	return names
}

// FindParser detects the correct parser for a file. An I/O error from
// detection is returned when no parser matched.
func (r *Registry) FindParser(filePath string) (Parser, error) {
	var firstErr error
	for _, p := range r.parsers {
		can, err := p.CanParse(filePath)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if can {
			return p, nil
		}
	}
	if firstErr != nil {
		return nil, fmt.Errorf("detecting format of %s: %w", filePath, firstErr)
	}
	return nil, &UnrecognizedFormatError{Path: filePath}
}

// GetParserByName returns a parser by its name.
func (r *Registry) GetParserByName(name string) (Parser, error) {
	name = strings.ToLower(name)
	for _, p := range r.parsers {
		if strings.ToLower(p.Name()) == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("parser not found: %s", name)
}

// ConvertFile detects the format of filePath and converts it.
func (r *Registry) ConvertFile(filePath string, onProgress ProgressCallback) (*models.DataLog, error) {
	p, err := r.FindParser(filePath)
	if err != nil {
		return nil, err
	}
	return p.ConvertWithProgress(filePath, onProgress)
}
