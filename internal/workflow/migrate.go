package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/pitabwire/weft/model"
)

// migration upgrades a decoded snapshot document by one serializer version.
type migration struct {
	to    string
	apply func(doc map[string]json.RawMessage) error
}

// migrations is keyed by the version a step upgrades from.
var migrations = map[string]migration{
	"1.0": {to: "1.1", apply: typeDataValues},
}

// Supports reports whether snapshots written with version can be read,
// directly or through migrations.
func (s *Serializer) Supports(version string) bool {
	for seen := 0; seen <= len(migrations); seen++ {
		if version == SerializerVersion {
			return true
		}
		m, ok := migrations[version]
		if !ok {
			return false
		}
		version = m.to
	}
	return false
}

// migrate upgrades raw to SerializerVersion. Current snapshots are returned
// untouched.
func migrate(raw []byte) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, model.NewSerializationError("decode snapshot", err)
	}
	var version string
	if v, ok := doc["serializer_version"]; ok {
		if err := json.Unmarshal(v, &version); err != nil {
			return nil, model.NewSerializationError("decode snapshot header", err)
		}
	}
	if version == SerializerVersion {
		return raw, nil
	}

	from := version
	for steps := 0; version != SerializerVersion; steps++ {
		m, ok := migrations[version]
		if !ok || steps > len(migrations) {
			return nil, &model.WorkflowError{
				Code:    model.ErrVersionUnsupported,
				Message: fmt.Sprintf("serializer version %q is not supported (want %s)", from, SerializerVersion),
			}
		}
		if err := m.apply(doc); err != nil {
			return nil, model.NewSerializationError(
				fmt.Sprintf("migrate snapshot from %s to %s", version, m.to), err)
		}
		version = m.to
		v, _ := json.Marshal(version)
		doc["serializer_version"] = v
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, model.NewSerializationError("encode migrated snapshot", err)
	}
	return out, nil
}

// typeDataValues rewrites the plain JSON data maps of a 1.0 snapshot into
// typed values. Numbers become float64, which is what 1.0 restored them as.
func typeDataValues(doc map[string]json.RawMessage) error {
	var workflows []map[string]json.RawMessage
	if raw, ok := doc["workflows"]; ok {
		if err := json.Unmarshal(raw, &workflows); err != nil {
			return err
		}
	}
	for _, wf := range workflows {
		if err := typeDataField(wf); err != nil {
			return err
		}
		var tasks []map[string]json.RawMessage
		if raw, ok := wf["tasks"]; ok {
			if err := json.Unmarshal(raw, &tasks); err != nil {
				return err
			}
		}
		for _, t := range tasks {
			if err := typeDataField(t); err != nil {
				return err
			}
		}
		raw, err := json.Marshal(tasks)
		if err != nil {
			return err
		}
		wf["tasks"] = raw
	}
	raw, err := json.Marshal(workflows)
	if err != nil {
		return err
	}
	doc["workflows"] = raw
	return nil
}

func typeDataField(obj map[string]json.RawMessage) error {
	raw, ok := obj["data"]
	if !ok {
		return nil
	}
	var plain map[string]any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return err
	}
	if plain == nil {
		return nil
	}
	typed, err := DataSnapshot(plain).MarshalJSON()
	if err != nil {
		return err
	}
	obj["data"] = typed
	return nil
}
