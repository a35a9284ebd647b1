package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AllowRule is one method/path pair the router will forward to the local
// runtime. A trailing "*" on the path matches any suffix; method "*" matches
// any method.
type AllowRule struct {
	Method string `yaml:"method"`
	Path   string `yaml:"path"`
}

type AllowList struct {
	Rules []AllowRule `yaml:"rules"`
}

// DefaultAllowList covers the Ollama API surface a chat frontend needs.
// Everything else is rejected so the tunnel cannot be used as an arbitrary
// local proxy.
func DefaultAllowList() *AllowList {
	return &AllowList{
		Rules: []AllowRule{
			{Method: "GET", Path: "/api/tags"},
			{Method: "GET", Path: "/api/version"},
			{Method: "GET", Path: "/api/ps"},
			{Method: "POST", Path: "/api/show"},
			{Method: "POST", Path: "/api/chat"},
			{Method: "POST", Path: "/api/generate"},
			{Method: "POST", Path: "/api/embed"},
			{Method: "POST", Path: "/api/embeddings"},
		},
	}
}

// LoadAllowList reads the YAML allow-list file, falling back to the default
// surface when path is empty.
func LoadAllowList(path string) (*AllowList, error) {
	if path == "" {
		return DefaultAllowList(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read allow-list file %s: %w", path, err)
	}
	var list AllowList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse allow-list file %s: %w", path, err)
	}
	if len(list.Rules) == 0 {
		return nil, fmt.Errorf("allow-list file %s contains no rules", path)
	}
	for i, rule := range list.Rules {
		if rule.Path == "" || !strings.HasPrefix(rule.Path, "/") {
			return nil, fmt.Errorf("allow-list rule %d: path must start with /", i)
		}
	}
	return &list, nil
}

// Allows reports whether the method/path pair matches any rule. Query
// strings are ignored for matching.
func (l *AllowList) Allows(method, path string) bool {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	for _, rule := range l.Rules {
		if rule.Method != "*" && !strings.EqualFold(rule.Method, method) {
			continue
		}
		if prefix, ok := strings.CutSuffix(rule.Path, "*"); ok {
			if strings.HasPrefix(path, prefix) {
				return true
			}
			continue
		}
		if rule.Path == path {
			return true
		}
	}
	return false
}
