package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/fairshare/pkg/types"
)

// LoadRuleSet 從 YAML 或 JSON 檔案讀取規則集（依副檔名判斷，預設 YAML）
//
// 檔案格式：
//
//	name: default
//	active: true
//	conditions:
//	  - {operator: eq, field: executor.parameters.region, value: eu}
//	weights:
//	  - condition: {operator: eq, field: task.parameters.priority, value: high}
//	    weight: 2.0
//	  - formula: "executor.parameters.rating / 5.0"
func LoadRuleSet(path string) (*types.RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule set: %w", err)
	}

	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	return ParseRuleSet(data, format)
}

// ParseRuleSet 解析規則集內容；format 為 "json" 或 "yaml"
func ParseRuleSet(data []byte, format string) (*types.RuleSet, error) {
	var rs types.RuleSet
	switch format {
	case "json":
		if err := json.Unmarshal(data, &rs); err != nil {
			return nil, fmt.Errorf("failed to parse rule set JSON: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &rs); err != nil {
			return nil, fmt.Errorf("failed to parse rule set YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported rule set format %q", format)
	}
	if rs.Name == "" {
		return nil, fmt.Errorf("%w: rule set name is required", ErrInvalidCondition)
	}
	return &rs, nil
}
