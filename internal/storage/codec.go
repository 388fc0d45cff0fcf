package storage

import (
	"encoding/json"
	"errors"

	"github.com/allthingssecurity/evoldsl/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// Stamp sets the current schema and codec versions on a record before it
// is persisted.
func Stamp(v *model.VersionedRecord) {
	v.SchemaVersion = CurrentSchemaVersion
	v.CodecVersion = CurrentCodecVersion
}

func EncodeFunction(spec model.FunctionSpec) ([]byte, error) {
	return json.Marshal(spec)
}

func DecodeFunction(data []byte) (model.FunctionSpec, error) {
	var spec model.FunctionSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return model.FunctionSpec{}, err
	}
	if err := checkVersion(spec.VersionedRecord); err != nil {
		return model.FunctionSpec{}, err
	}
	return spec, nil
}

func EncodeRun(run model.RunRecord) ([]byte, error) {
	return json.Marshal(run)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func EncodeCycles(cycles []model.CycleRecord) ([]byte, error) {
	return json.Marshal(cycles)
}

func DecodeCycles(data []byte) ([]model.CycleRecord, error) {
	var cycles []model.CycleRecord
	if err := json.Unmarshal(data, &cycles); err != nil {
		return nil, err
	}
	for _, cycle := range cycles {
		if err := checkVersion(cycle.VersionedRecord); err != nil {
			return nil, err
		}
	}
	return cycles, nil
}

func EncodeLineage(records []model.LineageRecord) ([]byte, error) {
	return json.Marshal(records)
}

func DecodeLineage(data []byte) ([]model.LineageRecord, error) {
	var records []model.LineageRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	for _, record := range records {
		if err := checkVersion(record.VersionedRecord); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
