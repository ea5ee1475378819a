package cfg

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadSettings reads a YAML settings file and applies it to fs. Keys are flag
// names, with underscores accepted in place of dashes. Lists are joined with
// commas so they can feed CSV flags such as ignore-capcodes.
//
// A setting only applies to a flag that has not been set yet, so it must run
// after flag parsing and the environment overlay. Unknown keys are an error.
// It returns the names of the flags it set.
func LoadSettings(fs *flag.FlagSet, path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	return applySettings(fs, data)
}

func applySettings(fs *flag.FlagSet, data []byte) ([]string, error) {
	var raw map[string]yaml.Node
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		// empty or comment-only file
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse settings: %w", err)
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var (
		applied []string
		errs    []error
	)
	for key, node := range raw {
		name := strings.ReplaceAll(key, "_", "-")
		if fs.Lookup(name) == nil {
			errs = append(errs, fmt.Errorf("settings: unknown key %q", key))
			continue
		}
		if set[name] {
			continue
		}

		val, err := nodeValue(&node)
		if err != nil {
			errs = append(errs, fmt.Errorf("settings: %s: %w", key, err))
			continue
		}
		if err := fs.Set(name, val); err != nil {
			errs = append(errs, fmt.Errorf("settings: %s: %w", key, err))
			continue
		}
		applied = append(applied, name)
	}

	if len(errs) > 0 {
		return applied, errors.Join(errs...)
	}
	return applied, nil
}

func nodeValue(n *yaml.Node) (string, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		return n.Value, nil
	case yaml.SequenceNode:
		vals := make([]string, 0, len(n.Content))
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return "", errors.New("lists may only hold scalars")
			}
			vals = append(vals, item.Value)
		}
		return strings.Join(vals, ","), nil
	default:
		return "", errors.New("value must be a scalar or a list")
	}
}
