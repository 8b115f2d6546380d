package props

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/teranos/ixpipe/errors"
)

// LoadFile reads a job file. TOML (.toml) and YAML (.yaml, .yml) are
// supported; nested tables flatten to dotted keys and arrays join with
// commas, so
//
//	[fork]
//	branches = 2
//
// yields fork.branches=2.
func LoadFile(path string) (Props, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read job file %s", path)
	}

	var raw map[string]interface{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, errors.Wrapf(errors.Tag(err, errors.ErrInvalidConfig), "failed to parse TOML job file %s", path)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, errors.Wrapf(errors.Tag(err, errors.ErrInvalidConfig), "failed to parse YAML job file %s", path)
		}
	default:
		err := errors.Wrapf(errors.ErrInvalidConfig, "unsupported job file extension %q", filepath.Ext(path))
		return nil, errors.WithHint(err, "use .toml, .yaml or .yml")
	}

	p := make(Props)
	flatten("", raw, p)
	return p, nil
}

func flatten(prefix string, node interface{}, out Props) {
	switch v := node.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flatten(join(prefix, k), v[k], out)
		}
	case map[interface{}]interface{}:
		for k, child := range v {
			flatten(join(prefix, cast.ToString(k)), child, out)
		}
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, cast.ToString(item))
		}
		out[prefix] = strings.Join(parts, ",")
	case nil:
		out[prefix] = ""
	default:
		out[prefix] = cast.ToString(v)
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
