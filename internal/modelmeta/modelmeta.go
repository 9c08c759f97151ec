package modelmeta

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry describes one advertised model.
type Entry struct {
	ID string `yaml:"id"`
}

type catalogFile struct {
	Models []Entry `yaml:"models"`
}

// DefaultIDs is the model list served when no models file is configured.
var DefaultIDs = []string{
	"claude-opus-4-1",
	"claude-sonnet-4-0",
	"claude-3-7-sonnet-latest",
	"claude-3-5-haiku-latest",
}

// Load reads model ids from a YAML file of the form:
//
//	models:
//	  - id: claude-sonnet-4-0
//	  - id: claude-3-5-haiku-latest
//
// An empty path returns DefaultIDs.
func Load(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultIDs, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read models file: %w", err)
	}
	var parsed catalogFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse models file: %w", err)
	}
	var ids []string
	seen := make(map[string]struct{})
	for _, e := range parsed.Models {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("models file %s lists no models", path)
	}
	return ids, nil
}
