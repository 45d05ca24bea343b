package codec

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

// Raw is the "raw" arg scheme. Byte slices and strings pass through as is;
// header maps use the length-prefixed layout
//
//	nh:2 (key~2 value~2){nh}
//
// with keys in sorted order.
type Raw struct{}

// ErrUnsupportedType is returned for values Raw cannot represent.
var ErrUnsupportedType = errors.New("raw: unsupported type")

func (Raw) Encode(v any) ([]byte, error) {
	switch v := v.(type) {
	case nil:
		return []byte{}, nil
	case []byte:
		return v, nil
	case *[]byte:
		return *v, nil
	case string:
		return []byte(v), nil
	case *string:
		return []byte(*v), nil
	case map[string]string:
		return encodeHeaders(v)
	}
	return nil, errors.Wrapf(ErrUnsupportedType, "%T", v)
}

func (Raw) Decode(data []byte, v any) error {
	switch v := v.(type) {
	case *[]byte:
		*v = append((*v)[:0], data...)
		return nil
	case *string:
		*v = string(data)
		return nil
	case *map[string]string:
		h, err := decodeHeaders(data)
		if err != nil {
			return err
		}
		*v = h
		return nil
	}
	return errors.Wrapf(ErrUnsupportedType, "%T", v)
}

func (Raw) Scheme() string { return SchemeRaw }

func encodeHeaders(h map[string]string) ([]byte, error) {
	if len(h) > 0xffff {
		return nil, errors.Errorf("raw: %d headers, at most 65535", len(h))
	}
	keys := make([]string, 0, len(h))
	total := 2
	for k, v := range h {
		if len(k) > 0xffff || len(v) > 0xffff {
			return nil, errors.Errorf("raw: header %q too long", k)
		}
		keys = append(keys, k)
		total += 4 + len(k) + len(v)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, total)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(keys)))
	for _, k := range keys {
		buf = appendString(buf, k)
		buf = appendString(buf, h[k])
	}
	return buf, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func decodeHeaders(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return map[string]string{}, nil
	}
	offset := 0
	next := func() (string, error) {
		if len(data)-offset < 2 {
			return "", errors.Errorf("raw: short header length at offset %d", offset)
		}
		n := int(binary.BigEndian.Uint16(data[offset:]))
		offset += 2
		if len(data)-offset < n {
			return "", errors.Errorf("raw: short header at offset %d", offset)
		}
		s := string(data[offset : offset+n])
		offset += n
		return s, nil
	}

	if len(data) < 2 {
		return nil, errors.New("raw: short header count")
	}
	nh := int(binary.BigEndian.Uint16(data))
	offset = 2
	h := make(map[string]string, nh)
	for i := 0; i < nh; i++ {
		k, err := next()
		if err != nil {
			return nil, err
		}
		v, err := next()
		if err != nil {
			return nil, err
		}
		h[k] = v
	}
	if offset != len(data) {
		return nil, errors.Errorf("raw: %d trailing bytes after headers", len(data)-offset)
	}
	return h, nil
}
