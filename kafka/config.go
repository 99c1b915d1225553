package kafka

import (
	stderr "errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/roadrunner-server/errors"
)

// LoadOptions reads engine properties from a YAML file and the environment.
// Nested YAML keys are joined with dots, so
//
//	socket:
//	  keepalive.enable: true
//
// becomes socket.keepalive.enable. Environment variables starting with
// envPrefix override the file: KAFKA_BOOTSTRAP_SERVERS with prefix "KAFKA_"
// becomes bootstrap.servers. A double underscore stands for a literal one,
// so KAFKA_SASL_OAUTHBEARER_CLIENT__ID becomes sasl.oauthbearer.client_id.
// A missing file is not an error. Lists are joined with commas.
//
// The result is meant for WithConfigValues or ConsumerWithConfigValues.
func LoadOptions(path, envPrefix string) (map[string]string, error) {
	const op = errors.Op("kafka_load_options")

	out := make(map[string]string)
	if path != "" {
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !stderr.Is(err, fs.ErrNotExist) {
			return nil, errors.E(op, err)
		}
		flatten(k, out)
	}

	// the env provider nests keys on the delimiter while YAML keeps dotted
	// keys as written, so each source is flattened on its own
	if envPrefix != "" {
		k := koanf.New(".")
		err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
			return envKey(s, envPrefix)
		}), nil)
		if err != nil {
			return nil, errors.E(op, err)
		}
		flatten(k, out)
	}
	return out, nil
}

var envKeyReplacer = strings.NewReplacer("__", "_", "_", ".")

func envKey(name, prefix string) string {
	return envKeyReplacer.Replace(strings.ToLower(strings.TrimPrefix(name, prefix)))
}

func flatten(k *koanf.Koanf, out map[string]string) {
	for key, v := range k.All() {
		out[key] = stringify(v)
	}
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = stringify(item)
		}
		return strings.Join(parts, ",")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for key := range val {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, key := range keys {
			parts[i] = key + "=" + stringify(val[key])
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(val)
	}
}
