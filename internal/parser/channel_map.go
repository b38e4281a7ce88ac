package parser

import (
	"fmt"
	"io"
	"os"

	"github.com/aim-datalog/backend/internal/models"
	"gopkg.in/yaml.v3"
)

var reservedColumns = map[string]bool{
	models.ColumnTime:      true,
	models.ColumnLapNumber: true,
	models.ColumnTotalTime: true,
}

// ParseChannelMap parses a YAML channel map file.
func ParseChannelMap(filePath string) (*models.ChannelMap, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return ParseChannelMapFromReader(file)
}

// ParseChannelMapFromReader parses and validates a channel map from an io.Reader.
func ParseChannelMapFromReader(r io.Reader) (*models.ChannelMap, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var cm models.ChannelMap
	if err := yaml.Unmarshal(data, &cm); err != nil {
		return nil, fmt.Errorf("parsing channel map: %w", err)
	}

	targets := make(map[string]string, len(cm.Channels))
	for i, rule := range cm.Channels {
		if rule.Source == "" || rule.Target == "" {
			return nil, fmt.Errorf("channel rule %d: source and target are required", i)
		}
		if reservedColumns[rule.Source] || reservedColumns[rule.Target] {
			return nil, fmt.Errorf("channel rule %d: %q/%q touches a reserved column", i, rule.Source, rule.Target)
		}
		if prev, ok := targets[rule.Target]; ok {
			return nil, fmt.Errorf("channel rule %d: target %q already used by %q", i, rule.Target, prev)
		}
		targets[rule.Target] = rule.Source
	}

	return &cm, nil
}

// ApplyChannelMap renames the table columns and headings of dl according to
// cm. Rules whose source column is absent are ignored. The returned warnings
// list unit mismatches against the export's units row.
func ApplyChannelMap(dl *models.DataLog, cm *models.ChannelMap) ([]string, error) {
	if cm == nil || dl.Table == nil {
		return nil, nil
	}

	units := dl.Metadata.UnitsByColumn()
	var warnings []string

	for _, rule := range cm.Channels {
		if !dl.Table.HasColumn(rule.Source) {
			continue
		}
		if err := dl.Table.RenameColumn(rule.Source, rule.Target); err != nil {
			return warnings, fmt.Errorf("renaming channel %q: %w", rule.Source, err)
		}
		for i, h := range dl.Metadata.Headings {
			if h == rule.Source {
				dl.Metadata.Headings[i] = rule.Target
			}
		}
		if rule.Unit != "" {
			if unit, ok := units[rule.Source]; ok && unit != rule.Unit {
				warnings = append(warnings, fmt.Sprintf("channel %q: expected unit %q, export has %q", rule.Source, rule.Unit, unit))
			}
		}
	}

	return warnings, nil
}
