package codec

import (
	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// JSON is the "json" arg scheme. An empty argument decodes as the zero
// value and nil encodes as "{}" so arg2 is always a valid object.
type JSON struct{}

func (JSON) Encode(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(v)
	return data, errors.Wrap(err, "json encode")
}

func (JSON) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(data, v), "json decode")
}

func (JSON) Scheme() string { return SchemeJSON }
