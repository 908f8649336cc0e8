// Package gob wraps encoding/gob with the helpers hives use to put packets,
// migration tickets and argument snapshots on the wire.
package gob

import (
	"bytes"
	stdgob "encoding/gob"
)

// Encode encodes i into a new byte slice.
func Encode(i interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := stdgob.NewEncoder(&buf).Encode(i); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode decodes b into i, which must be a pointer.
func Decode(i interface{}, b []byte) error {
	return stdgob.NewDecoder(bytes.NewReader(b)).Decode(i)
}

// Copy deep-copies src into dst (a pointer) by encoding and decoding it. The
// result shares no memory with src. Values stored in interfaces must be
// registered with encoding/gob.
func Copy(dst, src interface{}) error {
	var buf bytes.Buffer
	if err := stdgob.NewEncoder(&buf).Encode(src); err != nil {
		return err
	}
	return stdgob.NewDecoder(&buf).Decode(dst)
}

// Register records a type with encoding/gob, ignoring duplicate
// registrations of the same type under the same name.
func Register(v interface{}) {
	defer func() {
		// encoding/gob panics when a type is registered twice under different
		// names; the first name wins.
		recover()
	}()
	stdgob.Register(v)
}
