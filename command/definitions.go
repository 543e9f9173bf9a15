package command

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is an operator-defined command loaded from YAML.
type Definition struct {
	Name     string `yaml:"name"`
	Reply    string `yaml:"reply"`
	Priority string `yaml:"priority"`
	Target   string `yaml:"target"`
	Notify   bool   `yaml:"notify"`
}

type definitionsFile struct {
	Commands []Definition `yaml:"commands"`
}

// LoadDefinitions reads command definitions from path. An empty path yields
// no definitions.
func LoadDefinitions(path string) ([]Definition, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read commands file: %w", err)
	}
	var f definitionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse commands file: %w", err)
	}
	seen := make(map[string]bool, len(f.Commands))
	for i := range f.Commands {
		d := &f.Commands[i]
		d.Name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d.Name), "!"))
		if d.Name == "" {
			return nil, fmt.Errorf("command %d: name is required", i)
		}
		if strings.TrimSpace(d.Reply) == "" {
			return nil, fmt.Errorf("command %q: reply is required", d.Name)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("command %q defined twice", d.Name)
		}
		seen[d.Name] = true
	}
	return f.Commands, nil
}

// render expands {user}, {platform} and {args} in a reply template.
func render(tmpl string, inv Invocation) string {
	return strings.NewReplacer(
		"{user}", inv.Message.Username,
		"{platform}", string(inv.Message.Platform),
		"{args}", inv.Args,
	).Replace(tmpl)
}
