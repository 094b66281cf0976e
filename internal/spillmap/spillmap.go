package spillmap

import (
	"encoding/json"
	"fmt"
)

const defaultSpillProportion = 0.75

// Merge combines two values stored under the same key. It must be
// commutative and associative: entries migrate between the cache and the
// disk store in unspecified order, and the merged result must not depend
// on it.
type Merge[V any] func(a, b V) V

// Map is a keyed container with an in-memory cache that overflows to a
// sqlite-backed Store once a size threshold is exceeded. Values are
// JSON-encoded on disk.
type Map[V any] struct {
	merge           Merge[V]
	threshold       int
	spillProportion float64

	// The cache preserves insertion order so that eviction is
	// oldest-insertion-first.
	values map[string]V
	order  []string

	spill *Store
}

// Options configures a Map.
type Options struct {
	// Threshold is the cache size above which a spill is triggered.
	Threshold int
	// SpillProportion is the fraction of cache entries evicted per spill,
	// oldest first. Defaults to 0.75.
	SpillProportion float64
	// Path is the location of the backing database file.
	Path string
}

// New opens a spill map backed by a store at opts.Path.
func New[V any](merge Merge[V], opts Options) (*Map[V], error) {
	if opts.Threshold <= 0 {
		return nil, fmt.Errorf("spill threshold must be positive (got %d)", opts.Threshold)
	}
	proportion := opts.SpillProportion
	if proportion == 0 {
		proportion = defaultSpillProportion
	}
	if proportion <= 0 || proportion > 1 {
		return nil, fmt.Errorf("spill proportion must be in (0, 1] (got %v)", proportion)
	}
	store, err := OpenStore(opts.Path)
	if err != nil {
		return nil, err
	}
	return &Map[V]{
		merge:           merge,
		threshold:       opts.Threshold,
		spillProportion: proportion,
		values:          make(map[string]V),
		spill:           store,
	}, nil
}

// Put stores value under key, merging with any value already present.
// When the cache exceeds its threshold, the configured proportion of
// entries is evicted to disk, oldest insertion first.
func (m *Map[V]) Put(key string, value V) error {
	if existing, ok := m.values[key]; ok {
		m.values[key] = m.merge(existing, value)
		return nil
	}
	m.values[key] = value
	m.order = append(m.order, key)
	if len(m.values) > m.threshold {
		return m.spillOldest()
	}
	return nil
}

func (m *Map[V]) spillOldest() error {
	evictCount := int(float64(len(m.values)) * m.spillProportion)
	if evictCount < 1 {
		evictCount = 1
	}
	evicted := m.order[:evictCount]
	m.order = append([]string(nil), m.order[evictCount:]...)

	pairs := make([]Pair, 0, len(evicted))
	byKey := make(map[string]V, len(evicted))
	for _, key := range evicted {
		value := m.values[key]
		delete(m.values, key)
		byKey[key] = value
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encoding spill value for %q: %w", key, err)
		}
		pairs = append(pairs, Pair{Key: key, Value: encoded})
	}

	conflicts, err := m.spill.InsertNew(pairs)
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		return nil
	}

	// Conflicting keys already have a spilled value: read, merge, replace.
	merged := make([]Pair, 0, len(conflicts))
	for _, key := range conflicts {
		existing, ok, err := m.spill.Get(key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("spill entry %q vanished during merge", key)
		}
		var spilled V
		if err := json.Unmarshal(existing, &spilled); err != nil {
			return fmt.Errorf("decoding spill value for %q: %w", key, err)
		}
		combined := m.merge(spilled, byKey[key])
		encoded, err := json.Marshal(combined)
		if err != nil {
			return fmt.Errorf("encoding merged spill value for %q: %w", key, err)
		}
		merged = append(merged, Pair{Key: key, Value: encoded})
	}
	return m.spill.PutMany(merged)
}

// spillValue returns the decoded value stored for key in the disk store,
// if present.
func (m *Map[V]) spillValue(key string) (value V, ok bool, err error) {
	var zero V
	encoded, present, err := m.spill.Get(key)
	if err != nil {
		return zero, false, err
	}
	if !present {
		return zero, false, nil
	}
	var decoded V
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return zero, false, fmt.Errorf("decoding spill value for %q: %w", key, err)
	}
	return decoded, true, nil
}

// Get returns the fully merged value for key across both layers.
func (m *Map[V]) Get(key string) (value V, ok bool, err error) {
	var zero V
	spilled, inSpill, err := m.spillValue(key)
	if err != nil {
		return zero, false, err
	}
	cached, inCache := m.values[key]
	switch {
	case inCache && inSpill:
		return m.merge(spilled, cached), true, nil
	case inCache:
		return cached, true, nil
	case inSpill:
		return spilled, true, nil
	default:
		return zero, false, nil
	}
}

// Has reports whether key is present in either layer.
func (m *Map[V]) Has(key string) (bool, error) {
	if _, ok := m.values[key]; ok {
		return true, nil
	}
	return m.spill.Has(key)
}

// Pop removes key from both layers and returns the merged value.
func (m *Map[V]) Pop(key string) (value V, ok bool, err error) {
	value, ok, err = m.Get(key)
	if err != nil || !ok {
		return value, ok, err
	}
	if _, inCache := m.values[key]; inCache {
		delete(m.values, key)
		for i, ordered := range m.order {
			if ordered == key {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	if err := m.spill.Delete(key); err != nil {
		return value, true, err
	}
	return value, true, nil
}

// Len returns the union cardinality across both layers.
func (m *Map[V]) Len() (int, error) {
	spillCount, err := m.spill.Len()
	if err != nil {
		return 0, err
	}
	cacheOnly := 0
	for key := range m.values {
		inSpill, err := m.spill.Has(key)
		if err != nil {
			return 0, err
		}
		if !inSpill {
			cacheOnly++
		}
	}
	return spillCount + cacheOnly, nil
}

// ForEach calls fn exactly once per key with the fully merged value.
// Iteration order is unspecified.
func (m *Map[V]) ForEach(fn func(key string, value V) error) error {
	seen := make(map[string]struct{})
	err := m.spill.ForEach(func(key string, encoded []byte) error {
		var value V
		if err := json.Unmarshal(encoded, &value); err != nil {
			return fmt.Errorf("decoding spill value for %q: %w", key, err)
		}
		if cached, ok := m.values[key]; ok {
			value = m.merge(value, cached)
		}
		seen[key] = struct{}{}
		return fn(key, value)
	})
	if err != nil {
		return err
	}
	for _, key := range m.order {
		if _, ok := seen[key]; ok {
			continue
		}
		if err := fn(key, m.values[key]); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the on-disk store and deletes its file.
func (m *Map[V]) Close() error {
	return m.spill.Close()
}
