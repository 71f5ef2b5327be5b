package backups

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// recordVersion is written into every exported record. Imports accept any
// record with the same major version.
const recordVersion = "1.0"

const (
	recordVersionKey = "record_version"
	driverInfoKey    = "driver_info"
)

// requiredRecordFields must be present in a decoded record before it may
// overwrite a backup.
var requiredRecordFields = []string{
	"display_name",
	"display_description",
	"container",
	"size",
	"service_metadata",
	"service",
	"object_count",
	"id",
}

// strippedRecordFields describe the exporting deployment or the exported
// backup's lifecycle and never overwrite the importing backup.
var strippedRecordFields = []string{
	"display_name",
	"user_id",
	"project_id",
	"status",
	"fail_reason",
	"host",
	"restore_volume_id",
	"temp_volume_id",
	"temp_snapshot_id",
	"created_at",
	"updated_at",
	recordVersionKey,
}

// encodeRecord serializes b together with driver-private data.
func encodeRecord(b *Backup, driverInfo map[string]any) (string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("marshal backup: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", fmt.Errorf("unmarshal backup fields: %w", err)
	}
	fields[driverInfoKey] = driverInfo
	fields[recordVersionKey] = recordVersion

	out, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// decodedRecord is an exported record split into backup fields and driver data.
type decodedRecord struct {
	fields     map[string]json.RawMessage
	driverInfo map[string]any
}

// decodeRecord parses a record produced by encodeRecord.
func decodeRecord(url string) (*decodedRecord, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("%w: not base64: %v", ErrInvalidRecord, err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: not a JSON object: %v", ErrInvalidRecord, err)
	}

	if v, ok := fields[recordVersionKey]; ok {
		var version string
		if err := json.Unmarshal(v, &version); err != nil {
			return nil, fmt.Errorf("%w: bad record version: %v", ErrInvalidRecord, err)
		}
		if major(version) != major(recordVersion) {
			return nil, fmt.Errorf("%w: unsupported record version %s", ErrInvalidRecord, version)
		}
	}

	rec := &decodedRecord{fields: fields, driverInfo: map[string]any{}}
	if v, ok := fields[driverInfoKey]; ok {
		if string(v) != "null" {
			if err := json.Unmarshal(v, &rec.driverInfo); err != nil {
				return nil, fmt.Errorf("%w: bad driver info: %v", ErrInvalidRecord, err)
			}
		}
		delete(fields, driverInfoKey)
	}
	return rec, nil
}

func major(version string) string {
	m, _, _ := strings.Cut(version, ".")
	return m
}

// missing returns the required fields absent from the record.
func (r *decodedRecord) missing() []string {
	return lo.Filter(requiredRecordFields, func(k string, _ int) bool {
		_, ok := r.fields[k]
		return !ok
	})
}

func (r *decodedRecord) id() string {
	var id string
	_ = json.Unmarshal(r.fields["id"], &id)
	return id
}

// applyTo overwrites b with the record's fields, minus the stripped ones.
func (r *decodedRecord) applyTo(b *Backup) error {
	raw, err := json.Marshal(lo.OmitByKeys(r.fields, strippedRecordFields))
	if err != nil {
		return fmt.Errorf("marshal record fields: %w", err)
	}
	if err := json.Unmarshal(raw, b); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}
