package store

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"io"
	"time"
)

func init() {
	// Composite types commonly produced by step functions. Basic scalar
	// types are handled by gob itself.
	gob.Register([]any{})
	gob.Register(map[string]any{})
	gob.Register([]string{})
	gob.Register([]int{})
	gob.Register([]float64{})
	gob.Register(map[string]string{})
	gob.Register(time.Time{})
}

// RegisterType makes a concrete type encodable as a step output. Step
// functions returning custom struct types must register them once, e.g. in
// an init function:
//
//	store.RegisterType(MyResult{})
func RegisterType(v any) {
	gob.Register(v)
}

// EncodeValue serializes a step output as gzip-compressed gob. Values are
// encoded through an interface so DecodeValue can recover them without
// knowing the concrete type.
func EncodeValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := gob.NewEncoder(zw)

	iv := v
	if err := enc.Encode(&iv); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue reverses EncodeValue.
func DecodeValue(data []byte) (any, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var iv any
	dec := gob.NewDecoder(zr)
	if err := dec.Decode(&iv); err != nil && err != io.EOF {
		return nil, err
	}
	return iv, nil
}
