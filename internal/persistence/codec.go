package persistence

import (
	"bytes"
	"encoding/gob"
	"errors"
	"time"

	"github.com/petrijr/stageflow/pkg/api"
)

// resultPayload is the gob form of a run output. Value must be gob-encodable
// and registered with gob.Register when it is not a basic type; otherwise it
// is dropped and only the response text is stored.
type resultPayload struct {
	Response string
	Value    any
}

// EncodeResult serializes a run output. A nil result encodes to nil.
func EncodeResult(res *api.Result) ([]byte, error) {
	if res == nil {
		return nil, nil
	}
	data, err := encodeGob(resultPayload{Response: res.Response, Value: res.Value})
	if err == nil {
		return data, nil
	}
	if res.Value == nil {
		return nil, err
	}
	return encodeGob(resultPayload{Response: res.Response})
}

// DecodeResult is the inverse of EncodeResult.
func DecodeResult(data []byte) (*api.Result, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var p resultPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return nil, err
	}
	return &api.Result{Response: p.Response, Value: p.Value}, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func errFromString(s string) error {
	if s == "" {
		return nil
	}
	return errors.New(s)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
