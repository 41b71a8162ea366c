package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

// ErrSecretPath is returned when `config set` targets a credential.
var ErrSecretPath = errors.New("secret values are set in the config file or through the environment")

// secretKeys are lower-cased json field names whose values are credentials.
var secretKeys = map[string]bool{
	"apikey":   true,
	"token":    true,
	"bottoken": true,
	"apptoken": true,
}

func isSecret(name string) bool { return secretKeys[strings.ToLower(name)] }

func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "" {
		return f.Name
	}
	return name
}

func fieldByJSONName(v reflect.Value, key string) (reflect.Value, bool) {
	t := v.Type()
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() || jsonName(f) == "-" {
			continue
		}
		if strings.EqualFold(jsonName(f), key) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// GetByPath returns the value at a dotted path such as
// "engagement.debounceSeconds" or "providers.openai.defaultModel".
func GetByPath(cfg *Config, path string) (any, error) {
	v := reflect.ValueOf(cfg).Elem()
	for _, key := range strings.Split(path, ".") {
		switch v.Kind() {
		case reflect.Struct:
			f, ok := fieldByJSONName(v, key)
			if !ok {
				return nil, unknownPath(cfg, path)
			}
			v = f
		case reflect.Map:
			e := v.MapIndex(reflect.ValueOf(key))
			if !e.IsValid() {
				return nil, unknownPath(cfg, path)
			}
			v = e
		default:
			return nil, fmt.Errorf("%s: %s is a %s value, not a section", path, key, v.Kind())
		}
	}
	return v.Interface(), nil
}

// SetByPath parses raw into the field at path. Lists take comma-separated
// items. The change is applied only if the resulting config validates;
// otherwise cfg is left untouched.
func SetByPath(cfg *Config, path, raw string) error {
	parts := strings.Split(path, ".")
	if isSecret(parts[len(parts)-1]) {
		return fmt.Errorf("%s: %w", path, ErrSecretPath)
	}

	next, err := clone(cfg)
	if err != nil {
		return err
	}
	if err := setPath(reflect.ValueOf(next).Elem(), parts, path, raw); err != nil {
		if errors.Is(err, errNoField) {
			return unknownPath(cfg, path)
		}
		return err
	}
	if err := Validate(next); err != nil {
		return err
	}
	*cfg = *next
	return nil
}

var errNoField = errors.New("no such field")

func setPath(v reflect.Value, parts []string, path, raw string) error {
	if len(parts) == 0 {
		return setLeaf(v, path, raw)
	}
	switch v.Kind() {
	case reflect.Struct:
		f, ok := fieldByJSONName(v, parts[0])
		if !ok {
			return errNoField
		}
		return setPath(f, parts[1:], path, raw)
	case reflect.Map:
		// Map entries are not addressable: edit a copy and store it back.
		if v.IsNil() {
			v.Set(reflect.MakeMap(v.Type()))
		}
		key := reflect.ValueOf(parts[0])
		elem := reflect.New(v.Type().Elem()).Elem()
		if cur := v.MapIndex(key); cur.IsValid() {
			elem.Set(cur)
		}
		if err := setPath(elem, parts[1:], path, raw); err != nil {
			return err
		}
		v.SetMapIndex(key, elem)
		return nil
	default:
		return errNoField
	}
}

func setLeaf(v reflect.Value, path, raw string) error {
	raw = strings.TrimSpace(raw)
	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s: %q is not a boolean", path, raw)
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int64, reflect.Int32:
		n, err := strconv.ParseInt(raw, 10, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", path, raw)
		}
		v.SetInt(n)
	case reflect.Float64, reflect.Float32:
		f, err := strconv.ParseFloat(raw, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("%s: %q is not a number", path, raw)
		}
		v.SetFloat(f)
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("%s: cannot be set from the command line", path)
		}
		var items []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
		list := reflect.MakeSlice(v.Type(), len(items), len(items))
		for i, s := range items {
			list.Index(i).SetString(s)
		}
		v.Set(list)
	default:
		return fmt.Errorf("%s is a section; set one of its fields instead", path)
	}
	return nil
}

func clone(cfg *Config) (*Config, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("copy config: %w", err)
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("copy config: %w", err)
	}
	return &out, nil
}

// Sanitize returns a copy of cfg with every credential masked.
func Sanitize(cfg *Config) *Config {
	out, err := clone(cfg)
	if err != nil {
		return &Config{}
	}
	maskSecrets(reflect.ValueOf(out).Elem())
	return out
}

func maskSecrets(v reflect.Value) {
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := range t.NumField() {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			if f.Type.Kind() == reflect.String && isSecret(jsonName(f)) {
				v.Field(i).SetString(maskIfSet(v.Field(i).String()))
				continue
			}
			maskSecrets(v.Field(i))
		}
	case reflect.Map:
		for _, key := range v.MapKeys() {
			elem := reflect.New(v.Type().Elem()).Elem()
			elem.Set(v.MapIndex(key))
			maskSecrets(elem)
			v.SetMapIndex(key, elem)
		}
	}
}

func maskIfSet(s string) string {
	if s == "" {
		return ""
	}
	return maskString(s)
}

// maskString keeps the first and last four characters.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every leaf path with its current value, including empty
// optional fields.
func ListPaths(cfg *Config) map[string]any {
	out := make(map[string]any)
	collectPaths("", reflect.ValueOf(cfg).Elem(), out)
	return out
}

func collectPaths(prefix string, v reflect.Value, out map[string]any) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := range t.NumField() {
			if f := t.Field(i); f.IsExported() {
				collectPaths(join(jsonName(f)), v.Field(i), out)
			}
		}
	case reflect.Map:
		for _, key := range v.MapKeys() {
			collectPaths(join(key.String()), v.MapIndex(key), out)
		}
	default:
		out[prefix] = v.Interface()
	}
}

// CompletePath returns the known paths starting with prefix, sorted.
func CompletePath(cfg *Config, prefix string) []string {
	var out []string
	for p := range ListPaths(cfg) {
		if strings.HasPrefix(strings.ToLower(p), strings.ToLower(prefix)) {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

func unknownPath(cfg *Config, path string) error {
	section, _, _ := strings.Cut(path, ".")
	near := CompletePath(cfg, section+".")
	if len(near) == 0 {
		return fmt.Errorf("unknown config path %q", path)
	}
	if len(near) > 5 {
		near = near[:5]
	}
	return fmt.Errorf("unknown config path %q (known under %s: %s)", path, section, strings.Join(near, ", "))
}
