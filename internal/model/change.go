package model

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// changeValue is the wire form of a change value. The authority sends a bare
// number, a bool (on-off targets) or an object carrying a unit.
type changeValue struct {
	Value float64
	Unit  string
}

func (v *changeValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("true")):
		v.Value = 1
		return nil
	case bytes.Equal(data, []byte("false")):
		v.Value = 0
		return nil
	case len(data) > 0 && data[0] == '{':
		var obj struct {
			Value json.RawMessage `json:"value"`
			Unit  string          `json:"unit"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		var inner changeValue
		if len(obj.Value) > 0 {
			if err := inner.UnmarshalJSON(obj.Value); err != nil {
				return err
			}
		}
		v.Value = inner.Value
		v.Unit = obj.Unit
		return nil
	default:
		return json.Unmarshal(data, &v.Value)
	}
}

// UnmarshalJSON accepts {"device": "...", "value": <number|bool|{value,unit}>}.
func (c *Change) UnmarshalJSON(data []byte) error {
	var raw struct {
		Device string       `json:"device"`
		Value  *changeValue `json:"value"`
		Unit   string       `json:"unit"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("change: %w", err)
	}
	if raw.Value == nil {
		return fmt.Errorf("change for %q: missing value", raw.Device)
	}
	c.Device = raw.Device
	c.Value = raw.Value.Value
	c.Unit = raw.Value.Unit
	if raw.Unit != "" {
		c.Unit = raw.Unit
	}
	return nil
}

// UnmarshalYAML mirrors UnmarshalJSON for static configuration files.
func (c *Change) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Device string    `yaml:"device"`
		Value  yaml.Node `yaml:"value"`
		Unit   string    `yaml:"unit"`
	}
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("change: %w", err)
	}
	c.Device = raw.Device
	c.Unit = raw.Unit
	switch raw.Value.Kind {
	case yaml.ScalarNode:
		var b bool
		if raw.Value.Tag == "!!bool" && raw.Value.Decode(&b) == nil {
			if b {
				c.Value = 1
			} else {
				c.Value = 0
			}
			return nil
		}
		return raw.Value.Decode(&c.Value)
	case yaml.MappingNode:
		var obj struct {
			Value float64 `yaml:"value"`
			Unit  string  `yaml:"unit"`
		}
		if err := raw.Value.Decode(&obj); err != nil {
			return err
		}
		c.Value = obj.Value
		if c.Unit == "" {
			c.Unit = obj.Unit
		}
		return nil
	case 0:
		return fmt.Errorf("change for %q: missing value", raw.Device)
	default:
		return fmt.Errorf("change for %q: unsupported value", raw.Device)
	}
}
