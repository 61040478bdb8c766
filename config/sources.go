package config

import (
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SourceFiles lists the files the configuration was built from: the config
// file itself and every file referenced by a `*_file` key in the connection
// block, such as TLS certificates. Relative references are resolved against
// the config file's directory.
func SourceFiles(cfg *Config) []string {
	if cfg == nil {
		return nil
	}
	var files []string
	if cfg.Source != "" {
		files = append(files, cfg.Source)
	}
	base := ""
	if cfg.Source != "" {
		base = filepath.Dir(cfg.Source)
	}
	collectFileRefs(&cfg.Connection, base, &files)
	return files
}

func collectFileRefs(node *yaml.Node, base string, files *[]string) {
	if node == nil {
		return
	}
	switch node.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, child := range node.Content {
			collectFileRefs(child, base, files)
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			if value.Kind == yaml.ScalarNode && strings.HasSuffix(key.Value, "_file") && value.Value != "" {
				path := value.Value
				if !filepath.IsAbs(path) && base != "" {
					path = filepath.Join(base, path)
				}
				*files = append(*files, path)
				continue
			}
			collectFileRefs(value, base, files)
		}
	}
}
