package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/runnerr0/beacon/internal/models"
)

// MaxEventBytes caps the size of a single /event body, declared or actual.
const MaxEventBytes = 256 * 1024

// requiredEventFields are reported in this order when missing.
var requiredEventFields = []string{"visitor_id", "session_id", "pageview_id", "event_type"}

// ReadBody reads at most limit bytes from r. One extra byte is read so a
// body that is exactly limit bytes long is accepted while anything longer
// fails with ErrPayloadTooLarge, whether or not a length was declared.
func ReadBody(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, ErrPayloadTooLarge
	}
	return body, nil
}

// ValidateEvent turns a raw /event body into a storage-ready Event.
// contentLength is the declared request length, or -1 when none was sent.
// The returned Event carries no IP information; the caller attaches an
// ip hash if one can be derived.
func ValidateEvent(body []byte, contentLength int64, receivedAt time.Time) (*models.Event, error) {
	if contentLength > MaxEventBytes || len(body) > MaxEventBytes {
		return nil, ErrPayloadTooLarge
	}

	fields, err := decodeObject(body)
	if err != nil {
		return nil, err
	}

	values := make(map[string]any, len(requiredEventFields))
	var missing []string
	for _, key := range requiredEventFields {
		raw, ok := fields[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		value, err := decodeValue(raw)
		if err != nil || !truthy(value) {
			missing = append(missing, key)
			continue
		}
		values[key] = value
	}
	if len(missing) > 0 {
		return nil, &MissingFieldsError{Fields: missing}
	}

	seq, err := parseSeq(fields["seq"])
	if err != nil {
		return nil, err
	}

	return &models.Event{
		VisitorID:       stringify(values["visitor_id"]),
		SessionID:       stringify(values["session_id"]),
		PageviewID:      stringify(values["pageview_id"]),
		EventType:       stringify(values["event_type"]),
		Seq:             seq,
		Path:            optionalString(fields, "path"),
		Referrer:        optionalString(fields, "referrer"),
		Payload:         objectOr(fields["payload"], emptyObject),
		ClientTimestamp: optionalString(fields, "client_timestamp"),
		Timestamp:       receivedAt.UTC(),
	}, nil
}

// parseSeq accepts only true JSON integers. Booleans, floats (including
// 1.0 and exponent forms) and strings are rejected; absent or null is 0.
func parseSeq(raw json.RawMessage) (int64, error) {
	if isNull(raw) {
		return 0, nil
	}
	value, err := decodeValue(raw)
	if err != nil {
		return 0, ErrBadSeqType
	}
	number, ok := value.(json.Number)
	if !ok {
		return 0, ErrBadSeqType
	}
	seq, err := strconv.ParseInt(number.String(), 10, 64)
	if err != nil {
		return 0, ErrBadSeqType
	}
	return seq, nil
}
