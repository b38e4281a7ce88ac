package models

// ChannelMap defines the YAML rules that rename device channel names to the
// canonical names used across converted logs.
type ChannelMap struct {
	Channels []ChannelRule `json:"channels" yaml:"channels"`
}

// ChannelRule maps one source column to a canonical name.
type ChannelRule struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	Unit   string `json:"unit,omitempty" yaml:"unit,omitempty"` // Expected unit label, checked when the export has a units row
}
