package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/petrijr/reviewflow/pkg/api"
)

// EncodeValue serializes v as JSON. Nil encodes to nil.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// DecodeValue decodes a JSON payload into T. An empty payload yields the
// zero value.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}

// roundTrip deep-copies v through its JSON form, so in-memory stores hand
// out the same shapes durable stores do.
func roundTrip[T any](v T) (T, error) {
	data, err := EncodeValue(v)
	if err != nil {
		var zero T
		return zero, err
	}
	return DecodeValue[T](data)
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func newAuditID(ev *api.AuditEvent) {
	if ev.ID == "" {
		ev.ID = api.NewID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
}
