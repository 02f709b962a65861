package reqtrace

// KeyValue is a single attribute. Value is one of string, bool, int64 or
// float64 after validation.
type KeyValue struct {
	Key   string
	Value interface{}
}

// Attributes is an insertion-order-preserving map with unique keys and a
// fixed set of permitted value types. Updating an existing key keeps its
// original position.
type Attributes struct {
	kvs   []KeyValue
	index map[string]int
}

func NewAttributes() *Attributes {
	return &Attributes{index: map[string]int{}}
}

func (a *Attributes) Set(key string, value interface{}) error {
	v, err := normalizeAttributeValue(key, value)
	if err != nil {
		return err
	}
	if i, ok := a.index[key]; ok {
		a.kvs[i].Value = v
		return nil
	}
	a.index[key] = len(a.kvs)
	a.kvs = append(a.kvs, KeyValue{Key: key, Value: v})
	return nil
}

func (a *Attributes) Get(key string) (interface{}, bool) {
	i, ok := a.index[key]
	if !ok {
		return nil, false
	}
	return a.kvs[i].Value, true
}

func (a *Attributes) Len() int {
	return len(a.kvs)
}

// All returns the attributes in insertion order. The returned slice is a copy.
func (a *Attributes) All() []KeyValue {
	out := make([]KeyValue, len(a.kvs))
	copy(out, a.kvs)
	return out
}

// normalizeAttributeValue widens integral and floating values so downstream
// consumers only ever see string, bool, int64 or float64.
func normalizeAttributeValue(key string, value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string, bool, int64, float64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case float32:
		return float64(v), nil
	default:
		return nil, newErrInvalidAttribute(key, value)
	}
}
