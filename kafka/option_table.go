package kafka

// Option is one engine property as handed to the engine.
type Option struct {
	Key   string
	Value string
}

type tier struct {
	keys   []string
	values map[string]string
}

func (t *tier) set(key, value string) {
	if t.values == nil {
		t.values = make(map[string]string)
	}
	if _, ok := t.values[key]; !ok {
		t.keys = append(t.keys, key)
	}
	t.values[key] = value
}

func (t *tier) get(key string) (string, bool) {
	v, ok := t.values[key]
	return v, ok
}

// OptionTable collects engine properties in three tiers: defaults, user
// values and required overrides. Overrides win over user values, which win
// over defaults.
//
// A table is meant for a single client construction. After Build it is
// consumed: further mutations are ignored and Build returns the same merge.
// The zero value is an empty table.
type OptionTable struct {
	defaults  tier
	user      tier
	overrides tier
	built     []Option
}

func NewOptionTable() *OptionTable {
	return &OptionTable{}
}

// SetDefault sets a value used only when nothing else sets key.
func (t *OptionTable) SetDefault(key, value string) {
	if t.built != nil {
		return
	}
	t.defaults.set(key, value)
}

// Set stores or overwrites a user value.
func (t *OptionTable) Set(key, value string) {
	if t.built != nil {
		return
	}
	t.user.set(key, value)
}

// Override stores a required value that no user value can replace.
func (t *OptionTable) Override(key, value string) {
	if t.built != nil {
		return
	}
	t.overrides.set(key, value)
}

// Get returns the value key would be built with.
func (t *OptionTable) Get(key string) (string, bool) {
	if v, ok := t.overrides.get(key); ok {
		return v, true
	}
	if v, ok := t.user.get(key); ok {
		return v, true
	}
	return t.defaults.get(key)
}

// Consumed reports whether Build has been called.
func (t *OptionTable) Consumed() bool {
	return t.built != nil
}

// Build merges the tiers. Keys keep the position of their first appearance,
// scanning defaults, then user values, then overrides; the value is the one
// of the highest tier holding the key.
func (t *OptionTable) Build() []Option {
	if t.built == nil {
		seen := make(map[string]struct{})
		built := make([]Option, 0, len(t.defaults.keys)+len(t.user.keys)+len(t.overrides.keys))
		for _, tr := range []*tier{&t.defaults, &t.user, &t.overrides} {
			for _, k := range tr.keys {
				if _, ok := seen[k]; ok {
					continue
				}
				seen[k] = struct{}{}
				v, _ := t.Get(k)
				built = append(built, Option{Key: k, Value: v})
			}
		}
		t.built = built
	}
	return append([]Option(nil), t.built...)
}

// Len is the number of distinct keys across tiers.
func (t *OptionTable) Len() int {
	n := len(t.overrides.keys)
	for _, k := range t.user.keys {
		if _, ok := t.overrides.get(k); !ok {
			n++
		}
	}
	for _, k := range t.defaults.keys {
		_, inUser := t.user.get(k)
		_, inOverride := t.overrides.get(k)
		if !inUser && !inOverride {
			n++
		}
	}
	return n
}
