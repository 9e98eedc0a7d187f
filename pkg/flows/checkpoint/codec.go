package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Marshal encodes a checkpoint as JSON.
func Marshal(c *Checkpoint) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return data, nil
}

// MarshalJSON keeps the kind of float version markers, which would
// otherwise decode as integers when integral.
func (c Checkpoint) MarshalJSON() ([]byte, error) {
	type record Checkpoint
	seen := make(map[string]map[string]any, len(c.VersionsSeen))
	for node, versions := range c.VersionsSeen {
		seen[node] = encodeVersions(versions)
	}
	return json.Marshal(struct {
		record
		ChannelVersions map[string]any            `json:"channel_versions"`
		VersionsSeen    map[string]map[string]any `json:"versions_seen"`
	}{
		record:          record(c),
		ChannelVersions: encodeVersions(c.ChannelVersions),
		VersionsSeen:    seen,
	})
}

// Unmarshal decodes a checkpoint encoded by Marshal. Version markers keep
// their kind: int64, float64 or string. Other numbers in the record decode
// to int64 when written without a fraction and float64 otherwise.
func Unmarshal(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := decode(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	for name, v := range c.ChannelVersions {
		c.ChannelVersions[name] = normalizeVersion(v)
	}
	for _, versions := range c.VersionsSeen {
		for name, v := range versions {
			versions[name] = normalizeVersion(v)
		}
	}
	for name, v := range c.ChannelValues {
		c.ChannelValues[name] = normalizeValue(v)
	}
	for i := range c.PendingSends {
		c.PendingSends[i].Arg = normalizeValue(c.PendingSends[i].Arg)
	}
	if c.ChannelValues == nil {
		c.ChannelValues = map[string]any{}
	}
	if c.ChannelVersions == nil {
		c.ChannelVersions = map[string]Version{}
	}
	if c.VersionsSeen == nil {
		c.VersionsSeen = map[string]map[string]Version{}
	}
	if c.CurrentTasks == nil {
		c.CurrentTasks = map[string]TaskInfo{}
	}
	return &c, nil
}

// MarshalMetadata encodes checkpoint metadata as JSON.
func MarshalMetadata(m Metadata) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}

// UnmarshalMetadata decodes metadata encoded by MarshalMetadata.
func UnmarshalMetadata(data []byte) (Metadata, error) {
	var m Metadata
	if err := decode(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	for node, v := range m.Writes {
		m.Writes[node] = normalizeValue(v)
	}
	return m, nil
}

// MarshalValue encodes a single pending write value.
func MarshalValue(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

// UnmarshalValue decodes a value encoded by MarshalValue.
func UnmarshalValue(data []byte) (any, error) {
	var v any
	if err := decode(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return normalizeValue(v), nil
}

func decode(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(dst)
}

// normalizeValue replaces json.Number throughout a decoded value.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		return normalizeVersion(t)
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeValue(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeValue(e)
		}
		return t
	}
	return v
}
