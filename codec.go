package lattice

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/golang/snappy"
)

// resultCodec turns read-path results into cacheable payloads. Payloads are
// JSON, snappy-compressed when the cache is configured for compression.
type resultCodec struct {
	compress bool
}

func (c resultCodec) encode(records []Record) ([]byte, error) {
	raw, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	if c.compress {
		return snappy.Encode(nil, raw), nil
	}
	return raw, nil
}

func (c resultCodec) decode(payload []byte) ([]Record, error) {
	raw := payload
	if c.compress {
		var err error
		raw, err = snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("decompress result: %w", err)
		}
	}
	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return records, nil
}

func formatLimit(limit int) string {
	if limit <= 0 {
		return "0"
	}
	return strconv.Itoa(limit)
}

func formatTimestamp(ts int64) string {
	return strconv.FormatInt(ts, 10)
}
