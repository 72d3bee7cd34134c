package jobstore

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/hanfei1991/renderfarm/model"
)

func encodeRecord(rec *model.JobRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	// payloads are stored as given
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeRecord parses a stored value. A non empty reason means the value is
// unusable.
func decodeRecord(id model.JobID, data []byte) (*model.JobRecord, string) {
	var rec model.JobRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Sprintf("unparsable: %v", err)
	}
	if dec.More() {
		return nil, "trailing data after record"
	}
	if reason := validateRecord(id, &rec); reason != "" {
		return nil, reason
	}
	// the file layout is indented, hand the payload out compact again
	if len(rec.Payload) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, rec.Payload); err != nil {
			return nil, fmt.Sprintf("bad payload: %v", err)
		}
		rec.Payload = model.Payload(buf.Bytes())
	}
	return &rec, ""
}

func validateRecord(id model.JobID, rec *model.JobRecord) string {
	switch {
	case rec.ID != id:
		return fmt.Sprintf("id %q does not match key", rec.ID)
	case !rec.Status.Valid():
		return fmt.Sprintf("unknown status %q", rec.Status)
	case rec.Progress < 0 || rec.Progress > 1:
		return fmt.Sprintf("progress %v out of range", rec.Progress)
	case rec.Status.IsActive() && rec.AssignedWorker == "":
		return fmt.Sprintf("status %s without assigned worker", rec.Status)
	case rec.CreatedAt.IsZero():
		return "missing created_at"
	}
	return ""
}
