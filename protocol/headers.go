package protocol

// KeyValue is one transport header entry.
type KeyValue struct {
	Key   string
	Value string
}

// Headers is an ordered header map. Order is preserved on the wire so a
// decoded frame re-encodes byte for byte.
type Headers []KeyValue

// Get returns the value stored under key.
func (h Headers) Get(key string) (string, bool) {
	for _, kv := range h {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Set replaces the value under key, or appends a new entry.
func (h *Headers) Set(key, value string) {
	for i := range *h {
		if (*h)[i].Key == key {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, KeyValue{Key: key, Value: value})
}

// Validate reports the first empty or duplicated key.
func (h Headers) Validate() error {
	seen := make(map[string]string, len(h))
	for _, kv := range h {
		if kv.Key == "" {
			return ErrNullKey
		}
		if prior, ok := seen[kv.Key]; ok {
			return &DuplicateHeaderKeyError{Key: kv.Key, Value: kv.Value, Prior: prior}
		}
		seen[kv.Key] = kv.Value
	}
	return nil
}

// Call frames use 1-byte widths (nh:1 (k~1 v~1){nh}), init frames use 2-byte
// widths (nh:2 (k~2 v~2){nh}).
type headerWidth int

const (
	headerWidth1 headerWidth = 1
	headerWidth2 headerWidth = 2
)

func writeHeaders(w *writeBuffer, h Headers, width headerWidth) {
	if w.err != nil {
		return
	}
	switch width {
	case headerWidth1:
		if len(h) > 0xff {
			w.err = &FieldTooLargeError{Field: "headers", Size: len(h), Max: 0xff}
			return
		}
		w.u8(byte(len(h)))
		for _, kv := range h {
			w.str1("header key", kv.Key)
			w.str1("header value", kv.Value)
		}
	case headerWidth2:
		if len(h) > 0xffff {
			w.err = &FieldTooLargeError{Field: "headers", Size: len(h), Max: 0xffff}
			return
		}
		w.u16(uint16(len(h)))
		for _, kv := range h {
			w.str2("header key", kv.Key)
			w.str2("header value", kv.Value)
		}
	}
}

// readHeaders decodes a header block. Empty and duplicate keys do not stop
// parsing; the first one is recorded in r.callErr so the caller can reject
// only the call.
func readHeaders(r *readBuffer, width headerWidth) Headers {
	var n int
	if width == headerWidth1 {
		n = int(r.u8("nh"))
	} else {
		n = int(r.u16("nh"))
	}
	if r.err != nil || n == 0 {
		return nil
	}

	h := make(Headers, 0, n)
	seen := make(map[string]string, n)
	for i := 0; i < n; i++ {
		start := r.off
		var key, value string
		if width == headerWidth1 {
			key = r.str1("header key")
			value = r.str1("header value")
		} else {
			key = r.str2("header key")
			value = r.str2("header value")
		}
		if r.err != nil {
			return nil
		}
		if r.callErr == nil {
			if key == "" {
				r.callErr = &DecodeError{Field: "header key", Offset: r.base + start, Err: ErrNullKey}
			} else if prior, ok := seen[key]; ok {
				r.callErr = &DecodeError{
					Field:  "header key",
					Offset: r.base + start,
					Err:    &DuplicateHeaderKeyError{Key: key, Value: value, Prior: prior},
				}
			}
		}
		seen[key] = value
		h = append(h, KeyValue{Key: key, Value: value})
	}
	return h
}
