package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Capabilities 数据库能力描述，启动时一次性加载，运行期不再探测表结构
type Capabilities struct {
	Version               int  `yaml:"version"`
	DeadLetterState       bool `yaml:"dead_letter_state"`
	LegacyPendingAlias    bool `yaml:"legacy_pending_alias"`
	OperatoryConflicts    bool `yaml:"operatory_conflicts"`
	AuditLog              bool `yaml:"audit_log"`
	RescheduleSuggestions bool `yaml:"reschedule_suggestions"`
	DurationHistory       bool `yaml:"duration_history"`
}

// DefaultCapabilities 与内置 schema.sql 对应的能力
func DefaultCapabilities() Capabilities {
	return Capabilities{
		Version:               1,
		DeadLetterState:       true,
		LegacyPendingAlias:    false,
		OperatoryConflicts:    true,
		AuditLog:              true,
		RescheduleSuggestions: true,
		DurationHistory:       true,
	}
}

// LoadCapabilities 读取 YAML 描述文件；path 为空时返回默认值。
// 文件中未出现的字段保持默认值。
func LoadCapabilities(path string) (Capabilities, error) {
	caps := DefaultCapabilities()
	if path == "" {
		return caps, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return caps, fmt.Errorf("failed to read capabilities file: %w", err)
	}
	if err := yaml.Unmarshal(data, &caps); err != nil {
		return caps, fmt.Errorf("failed to parse capabilities file %s: %w", path, err)
	}
	if caps.Version != 1 {
		return caps, fmt.Errorf("unsupported capabilities version %d", caps.Version)
	}
	return caps, nil
}
