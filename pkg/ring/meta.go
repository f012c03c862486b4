package ring

import (
	"encoding/json"

	"github.com/pkg/errors"
)

var ErrNoMeta = errors.New("peer has no metadata")

// Meta is the metadata a peer advertises through membership. RingName and
// Client are read by the ring; Tags are passed through to consumers as-is.
type Meta struct {
	RingName string            `json:"ringName"`
	Client   bool              `json:"client,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

func (m Meta) Tag(key string) string {
	return m.Tags[key]
}

func EncodeMeta(m Meta) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encode peer metadata")
	}
	return b, nil
}

func DecodeMeta(b []byte) (Meta, error) {
	var m Meta
	if len(b) == 0 {
		return m, ErrNoMeta
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, errors.Wrap(err, "decode peer metadata")
	}
	return m, nil
}
