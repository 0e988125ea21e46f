package types

import "time"

// Operator 規則運算子
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpLt       Operator = "lt"
	OpGte      Operator = "gte"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpNotIn    Operator = "not_in"
	OpContains Operator = "contains"
	OpAnd      Operator = "and"
	OpOr       Operator = "or"
	OpNot      Operator = "not"
)

// IsCombinator 判斷是否為組合運算子（and / or / not）
func (o Operator) IsCombinator() bool {
	return o == OpAnd || o == OpOr || o == OpNot
}

// Condition 規則條件節點
//
// 葉節點：{operator, field, value}
// 組合節點：{operator: and|or|not, conditions: [...]}，not 也接受單一 condition
type Condition struct {
	Operator   Operator    `json:"operator" yaml:"operator"`
	Field      string      `json:"field,omitempty" yaml:"field,omitempty"`
	Value      Value       `json:"value" yaml:"value,omitempty"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Condition  *Condition  `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// WeightRule 權重規則：條件成立時將權重乘上 Weight，或乘上 Formula 的計算結果
type WeightRule struct {
	Name      string     `json:"name,omitempty" yaml:"name,omitempty"`
	Condition *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
	Weight    *float64   `json:"weight,omitempty" yaml:"weight,omitempty"`
	Formula   string     `json:"formula,omitempty" yaml:"formula,omitempty"`
}

// Multiplier 回傳固定權重，未設定時為 1.0
func (w WeightRule) Multiplier() float64 {
	if w.Weight == nil {
		return 1.0
	}
	return *w.Weight
}

// RuleSet 資格條件與權重規則的集合；同時間只使用最新建立的啟用規則集
type RuleSet struct {
	ID         string       `json:"id" yaml:"id,omitempty"`
	Name       string       `json:"name" yaml:"name"`
	Active     bool         `json:"active" yaml:"active"`
	Conditions []Condition  `json:"conditions" yaml:"conditions"`
	Weights    []WeightRule `json:"weights" yaml:"weights"`
	CreatedAt  time.Time    `json:"created_at" yaml:"-"`
}
