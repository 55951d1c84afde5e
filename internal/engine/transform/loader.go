package transform

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ehr/ehrsync/internal/engine/syncerr"
)

// Parse decodes a YAML (or JSON) rule-set document. Unknown keys are
// rejected so a typo in a rule parameter is never silently ignored.
func Parse(data []byte) (*RuleSet, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var rs RuleSet
	if err := dec.Decode(&rs); err != nil {
		return nil, syncerr.Wrap(err, syncerr.InvalidRuleSet, "decode rule set")
	}
	return &rs, nil
}

// LoadFile parses a single rule-set file.
func LoadFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule set %s: %w", path, err)
	}
	rs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if rs.Name == "" {
		rs.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return rs, nil
}

// LoadDir parses every *.yaml and *.yml file in dir, in file-name order.
func LoadDir(dir string) ([]*RuleSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !isRuleFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	sets := make([]*RuleSet, 0, len(names))
	for _, n := range names {
		rs, err := LoadFile(filepath.Join(dir, n))
		if err != nil {
			return nil, err
		}
		sets = append(sets, rs)
	}
	return sets, nil
}

func isRuleFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Marshal renders a rule set as YAML.
func Marshal(rs *RuleSet) ([]byte, error) {
	return yaml.Marshal(rs)
}
