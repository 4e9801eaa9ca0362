package ingest

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/runnerr0/beacon/internal/models"
)

// MaxDebugRecordBytes bounds /collect bodies. Snapshots carry resource
// timing lists and fingerprints, so the cap is far above the event cap.
const MaxDebugRecordBytes = 5 * 1024 * 1024

// ValidateDebugRecord normalizes a raw /collect body. Nothing is required:
// missing or mistyped sub-documents default to empty. The only failure is
// a body that is not a JSON object (or null) at all.
func ValidateDebugRecord(body []byte, receivedAt time.Time) (*models.DebugRecord, error) {
	fields := map[string]json.RawMessage{}
	if !isNullLiteral(body) {
		decoded, err := decodeObject(body)
		if err != nil {
			return nil, ErrInvalidPayload
		}
		fields = decoded
	}

	record := &models.DebugRecord{
		BrowserInfo:     objectOr(fields["browser"], emptyObject),
		PerformanceData: objectOr(fields["performance"], emptyObject),
		Fingerprints:    objectOr(fields["fingerprints"], emptyObject),
		Errors:          emptyArray,
		Network:         objectOr(fields["network"], nil),
		Battery:         objectOr(fields["battery"], nil),
		Benchmarks:      objectOr(fields["benchmarks"], nil),
		ClientTimestamp: optionalString(fields, "timestamp"),
		VisitorID:       optionalString(fields, "visitor_id"),
		SessionID:       optionalString(fields, "session_id"),
		PageviewID:      optionalString(fields, "pageview_id"),
		Timestamp:       receivedAt.UTC(),
	}

	if raw := fields["errors"]; isArray(raw) {
		var entries []json.RawMessage
		if err := json.Unmarshal(raw, &entries); err == nil {
			record.Errors = raw
			record.ErrorCount = len(entries)
		}
	}

	return record, nil
}

// isNullLiteral is stricter than isNull: an empty body is not null.
func isNullLiteral(body []byte) bool {
	return bytes.Equal(bytes.TrimSpace(body), []byte("null"))
}
