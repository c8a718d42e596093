package taskqueue

import (
	"bytes"
	"encoding/gob"

	"github.com/petrijr/stageflow/pkg/api"
)

// requestPayload is the persisted part of a Request that has no column of
// its own.
type requestPayload struct {
	Flags   map[string]bool
	History []api.Message
}

// EncodeRequest gob-encodes a Request.
func EncodeRequest(r Request) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeRequest gob-decodes a Request.
func DecodeRequest(data []byte) (*Request, error) {
	var r Request
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

func encodePayload(r Request) ([]byte, error) {
	if len(r.Flags) == 0 && len(r.History) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(requestPayload{Flags: r.Flags, History: r.History}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodePayload(data []byte, r *Request) error {
	if len(data) == 0 {
		return nil
	}
	var p requestPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return err
	}
	r.Flags = p.Flags
	r.History = p.History
	return nil
}
