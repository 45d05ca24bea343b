// Package codec encodes arg2 and arg3 according to the call's arg scheme,
// named by the "as" transport header.
package codec

import (
	"github.com/pkg/errors"
)

// Well-known arg schemes.
const (
	SchemeJSON = "json"
	SchemeRaw  = "raw"
)

// Codec turns values into argument bytes and back.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Scheme() string
}

// ErrUnknownScheme is returned by Get for schemes without a codec.
var ErrUnknownScheme = errors.New("unknown arg scheme")

var codecs = map[string]Codec{
	SchemeJSON: JSON{},
	SchemeRaw:  Raw{},
}

// Get returns the codec for scheme. An empty scheme means raw.
func Get(scheme string) (Codec, error) {
	if scheme == "" {
		scheme = SchemeRaw
	}
	c, ok := codecs[scheme]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownScheme, "%q", scheme)
	}
	return c, nil
}
