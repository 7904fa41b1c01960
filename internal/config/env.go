package config

import (
	"encoding"
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// EnvPrefix is the prefix of every configuration environment variable.
const EnvPrefix = "KEYMESH_"

// EnvLoader collects configuration overrides from environment variables.
type EnvLoader struct {
	prefix  string            // Environment variable prefix (e.g., "KEYMESH_")
	mapping map[string]string // Env var -> config path
	environ func() []string
}

// NewEnvLoader creates a loader reading the process environment.
// The prefix should include the trailing underscore.
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{
		prefix:  prefix,
		mapping: defaultEnvMapping(),
		environ: os.Environ,
	}
}

// defaultEnvMapping returns variables whose path is not derived from the name.
func defaultEnvMapping() map[string]string {
	return map[string]string{
		"KEYMESH_LOG_LEVEL":  "logging.level",
		"KEYMESH_LOG_FORMAT": "logging.format",
		"KEYMESH_NATS_URL":   "nats.url",
		// Not a setting.
		EnvConfigPath: "",
	}
}

// Load returns the overrides as config path -> raw value.
// Empty values are treated as set.
func (l *EnvLoader) Load() map[string]string {
	values := make(map[string]string)
	for _, env := range l.environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, l.prefix) {
			continue
		}
		path, mapped := l.mapping[name]
		if !mapped {
			path = l.envToPath(name)
		}
		if path == "" {
			continue
		}
		values[path] = value
	}
	return values
}

// envToPath converts KEYMESH_NATS_SUBJECT_PREFIX to nats.subject_prefix.
func (l *EnvLoader) envToPath(env string) string {
	name := strings.ToLower(strings.TrimPrefix(env, l.prefix))
	section, field, ok := strings.Cut(name, "_")
	if !ok || field == "" {
		return ""
	}
	return section + "." + field
}

// FromEnv applies KEYMESH_* overrides from the process environment to cfg.
func FromEnv(cfg *Config) error {
	return NewEnvLoader(EnvPrefix).Apply(cfg)
}

// Apply writes the loader's overrides into cfg. Unknown paths are ignored.
func (l *EnvLoader) Apply(cfg *Config) error {
	values := l.Load()

	paths := make([]string, 0, len(values))
	for path := range values {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	root := reflect.ValueOf(cfg).Elem()
	for _, path := range paths {
		field, ok := lookupField(root, path)
		if !ok {
			continue
		}
		if err := setField(field, values[path]); err != nil {
			return &ParseError{Path: l.prefix + strings.ToUpper(strings.ReplaceAll(path, ".", "_")), Message: err.Error(), Err: err}
		}
	}
	return nil
}

// lookupField resolves "section.field" by toml tag.
func lookupField(root reflect.Value, path string) (reflect.Value, bool) {
	section, name, ok := strings.Cut(path, ".")
	if !ok {
		return reflect.Value{}, false
	}
	sec, ok := fieldByTag(root, section)
	if !ok || sec.Kind() != reflect.Struct {
		return reflect.Value{}, false
	}
	return fieldByTag(sec, name)
}

func fieldByTag(v reflect.Value, tag string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Tag.Get("toml") == tag {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

var textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

func setField(field reflect.Value, raw string) error {
	if reflect.PointerTo(field.Type()).Implements(textUnmarshalerType) {
		return field.Addr().Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(raw))
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := parseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		i, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		field.SetInt(i)
	case reflect.Float64:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", raw)
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("cannot set %s from the environment", field.Type())
		}
		field.Set(reflect.ValueOf(parseList(raw)))
	default:
		return fmt.Errorf("cannot set %s from the environment", field.Type())
	}
	return nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0", "":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", s)
	}
}

// parseList accepts a JSON array or a comma-separated list.
func parseList(s string) []string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		var out []string
		if err := json.Unmarshal([]byte(s), &out); err == nil {
			return out
		}
	}
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
