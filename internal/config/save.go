package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/internal/util"
	"gopkg.in/yaml.v3"
)

// listKeys hold sequences; every other key is a scalar.
var listKeys = map[string]bool{"remote_user": true}

// secretKeys are masked by Redacted.
var secretKeys = map[string]bool{"aws.secret_access_key": true}

// Save writes cfg as YAML to path, creating the parent directory. It
// refuses to replace an existing file unless overwrite is set.
func Save(path string, cfg *Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return errors.New(errors.ErrConfig,
				"Config file already exists: "+path,
				"Use --force to overwrite it, or 'vpcsh config set' to change single values")
		}
	}

	data, err := encodeYAML(cfg)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig, "Failed to encode config", "")
	}
	return writeConfig(path, data)
}

// Keys returns every settable config key, sorted.
func Keys() []string {
	keys := NewViper().AllKeys()
	sort.Strings(keys)
	return keys
}

// SetValue changes one dotted key (e.g. "aws.region") in the file at path.
// It preserves the existing YAML structure and comments, creates the file
// if missing, and refuses values that would make the config invalid.
func SetValue(path, key, value string) error {
	if !isKnownKey(key) {
		suggestion := "Run 'vpcsh config show' to list valid keys"
		if similar := util.SuggestSimilar(key, Keys(), 3); len(similar) > 0 {
			suggestion = fmt.Sprintf("Did you mean '%s'?", similar[0])
		}
		return errors.New(errors.ErrConfig, fmt.Sprintf("Unknown config key '%s'", key), suggestion)
	}

	var root yaml.Node
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &root); err != nil {
			return errors.WrapWithCode(err, errors.ErrConfig,
				"Failed to parse config file", "Check the YAML syntax in "+path)
		}
	case os.IsNotExist(err):
	default:
		return errors.WrapWithCode(err, errors.ErrConfig, "Failed to read config file", "Check file permissions")
	}

	if root.Kind == 0 {
		root = yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}},
		}
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return errors.New(errors.ErrConfig, "Expected a mapping at the top of "+path, "")
	}

	node := root.Content[0]
	parts := strings.Split(key, ".")
	for _, part := range parts[:len(parts)-1] {
		child := findMapValue(node, part)
		if child == nil {
			child = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			node.Content = append(node.Content, scalarNode(part), child)
		}
		node = child
	}
	setMapValue(node, parts[len(parts)-1], valueNode(key, value))

	out, err := encodeYAML(&root)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig, "Failed to encode config", "")
	}

	cfg, err := parseBytes(out, path)
	if err != nil {
		return err
	}
	if err := Validate(cfg); err != nil {
		return err
	}

	return writeConfig(path, out)
}

// Redacted returns a copy of cfg safe to print.
func Redacted(cfg *Config) *Config {
	c := *cfg
	c.RemoteUser = append([]string(nil), cfg.RemoteUser...)
	if c.AWS.SecretAccessKey != "" {
		c.AWS.SecretAccessKey = "********"
	}
	return &c
}

// MarshalYAML writes durations as "30s" rather than nanoseconds.
func (c Config) MarshalYAML() (interface{}, error) {
	type plain Config
	var n yaml.Node
	if err := n.Encode(plain(c)); err != nil {
		return nil, err
	}
	durations := map[string]time.Duration{
		"timeout":         c.Timeout,
		"command_timeout": c.CommandTimeout,
		"connect_timeout": c.ConnectTimeout,
	}
	for key, d := range durations {
		if v := findMapValue(&n, key); v != nil {
			v.Tag = "!!str"
			v.Value = d.String()
		}
	}
	return &n, nil
}

// EncodeYAML renders cfg the way Save writes it.
func EncodeYAML(cfg *Config) ([]byte, error) {
	return encodeYAML(cfg)
}

func isKnownKey(key string) bool {
	for _, k := range Keys() {
		if k == key {
			return true
		}
	}
	return false
}

func valueNode(key, value string) *yaml.Node {
	if listKeys[key] {
		seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range util.SplitList(value) {
			seq.Content = append(seq.Content, scalarNode(item))
		}
		return seq
	}
	// Untagged so the encoder picks plain style and "true" or "30s"
	// round-trip as the right type.
	return &yaml.Node{Kind: yaml.ScalarNode, Value: value}
}

func scalarNode(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}

// findMapValue finds a value in a mapping node by key name.
func findMapValue(node *yaml.Node, key string) *yaml.Node {
	if node.Kind != yaml.MappingNode {
		return nil
	}

	for i := 0; i < len(node.Content)-1; i += 2 {
		keyNode := node.Content[i]
		valueNode := node.Content[i+1]

		if keyNode.Kind == yaml.ScalarNode && keyNode.Value == key {
			return valueNode
		}
	}

	return nil
}

// setMapValue replaces the value for key, or appends the pair. Comments
// on the replaced value are carried over.
func setMapValue(node *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i < len(node.Content)-1; i += 2 {
		if node.Content[i].Kind == yaml.ScalarNode && node.Content[i].Value == key {
			old := node.Content[i+1]
			value.LineComment = old.LineComment
			value.HeadComment = old.HeadComment
			node.Content[i+1] = value
			return
		}
	}
	node.Content = append(node.Content, scalarNode(key), value)
}

func encodeYAML(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(v); err != nil {
		return nil, err
	}
	if err := encoder.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// parseBytes loads YAML content through the same path as Load.
func parseBytes(data []byte, path string) (*Config, error) {
	v := NewViper()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Failed to read config", "Check the YAML syntax in "+path)
	}
	return parseConfig(v, path)
}

// writeConfig writes with owner-only permissions since the file may hold
// AWS keys.
func writeConfig(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Failed to create config directory", "Check permissions on "+filepath.Dir(path))
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Failed to write config file", "Check permissions on "+path)
	}
	return nil
}
