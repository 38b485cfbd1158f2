package devices

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/puzpuzpuz/xsync/v3"
)

// MapLoader finds control point maps on a search path and caches them.
type MapLoader struct {
	cache       *xsync.MapOf[string, *MapDefinition]
	validator   *Validator
	searchPaths []string
}

func NewMapLoader(searchPaths []string) (*MapLoader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &MapLoader{
		cache:       xsync.NewMapOf[string, *MapDefinition](),
		validator:   validator,
		searchPaths: searchPaths,
	}, nil
}

// Load resolves name (without the .json suffix) against the search
// paths. An absolute or relative path to an existing file is used as is.
func (l *MapLoader) Load(name string) (*MapDefinition, error) {
	if cached, ok := l.cache.Load(name); ok {
		return cached, nil
	}

	data, foundPath, err := l.read(name)
	if err != nil {
		return nil, err
	}

	def, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", foundPath, err)
	}

	l.cache.Store(name, def)

	return def, nil
}

// Parse validates and decodes a map document.
func (l *MapLoader) Parse(data []byte) (*MapDefinition, error) {
	if err := l.validator.ValidateMap(data); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	var def MapDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal map: %w", err)
	}

	if err := CheckReferences(&def); err != nil {
		return nil, err
	}

	return &def, nil
}

func (l *MapLoader) read(name string) ([]byte, string, error) {
	if filepath.Ext(name) == ".json" {
		if data, err := os.ReadFile(name); err == nil {
			return data, name, nil
		}
	}

	for _, searchPath := range l.searchPaths {
		fullPath := filepath.Join(searchPath, name+".json")
		data, err := os.ReadFile(fullPath)
		if err == nil {
			return data, fullPath, nil
		}
	}

	return nil, "", fmt.Errorf("control point map not found: %s (searched in: %v)", name, l.searchPaths)
}

func (l *MapLoader) ClearCache() {
	l.cache.Clear()
}
