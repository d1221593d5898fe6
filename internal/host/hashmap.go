package host

// HashMapClass is the class name of host-native maps.
const HashMapClass = "java.util.HashMap"

// HashMap is a host-native map. It keeps insertion order and enumerates its
// keys through KeySet, not Keys.
type HashMap struct {
	keys   []string
	values map[string]any
}

// NewHashMap creates an empty host map.
func NewHashMap() *HashMap {
	return &HashMap{values: make(map[string]any)}
}

// Put binds key to value, keeping the original position of existing keys.
func (m *HashMap) Put(key string, value any) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Get returns the value bound to key.
func (m *HashMap) Get(key string) (any, bool) {
	v, ok := m.values[key]
	return v, ok
}

// KeySet returns the keys in insertion order.
func (m *HashMap) KeySet() []string {
	keys := make([]string, len(m.keys))
	copy(keys, m.keys)
	return keys
}

// Size returns the number of entries.
func (m *HashMap) Size() int {
	return len(m.keys)
}
