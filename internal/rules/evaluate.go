// ============================================================================
// fairshare 規則引擎 - 布林條件 DSL
// ============================================================================
//
// Package: internal/rules
// 文件: evaluate.go
// 功能: 對 {task, executor} 上下文求值資格條件
//
// 條件格式:
//   葉節點   {operator, field, value}       field 為點號路徑，例如 task.priority
//   組合節點 {operator: and|or|not, conditions: [...]}
//   not 也接受單一 {condition: {...}}；對 conditions 時取其 AND 的否定
//
// 求值規則:
//   - 缺少的路徑解析為 Null
//   - 數值比較（gt/lt/gte/lte）兩側都轉為 float64，轉換失敗時該條件為 false
//   - 未知運算子是硬錯誤（ErrUnknownOperator）
//   - 空的 and 與空的頂層條件列表為 true；空的 or 為 false
//   - 空物件 {}（沒有運算子、欄位、值或子條件）視同 nil，為 true
//
// 並發:
//   純函式，無共享狀態，可由任意數量的 worker 同時呼叫
//
// ============================================================================

package rules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ChuLiYu/fairshare/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrUnknownOperator 規則使用了未定義的運算子
	ErrUnknownOperator = errors.New("unknown operator")
	// ErrInvalidCondition 條件結構不完整（例如比較運算缺少 field）
	ErrInvalidCondition = errors.New("invalid condition")
	// ErrInvalidFormula 權重公式無法編譯
	ErrInvalidFormula = errors.New("invalid weight formula")
)

// Evaluate 對單一條件求值；nil 與空條件視為 true
func Evaluate(cond *types.Condition, ctx *types.Document) (bool, error) {
	if isEmpty(cond) {
		return true, nil
	}

	switch cond.Operator {
	case types.OpAnd:
		return EvaluateAll(cond.Conditions, ctx)

	case types.OpOr:
		for i := range cond.Conditions {
			ok, err := Evaluate(&cond.Conditions[i], ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case types.OpNot:
		var (
			ok  bool
			err error
		)
		if cond.Condition != nil {
			ok, err = Evaluate(cond.Condition, ctx)
		} else {
			ok, err = EvaluateAll(cond.Conditions, ctx)
		}
		if err != nil {
			return false, err
		}
		return !ok, nil
	}

	left := ctx.Lookup(cond.Field)
	right := cond.Value

	switch cond.Operator {
	case types.OpEq:
		return left.Equal(right), nil
	case types.OpNe:
		return !left.Equal(right), nil
	case types.OpGt, types.OpLt, types.OpGte, types.OpLte:
		return compare(cond.Operator, left, right), nil
	case types.OpIn:
		found, ok := member(right, left)
		return ok && found, nil
	case types.OpNotIn:
		found, ok := member(right, left)
		return ok && !found, nil
	case types.OpContains:
		found, ok := member(left, right)
		return ok && found, nil
	}

	return false, fmt.Errorf("%w: %q", ErrUnknownOperator, cond.Operator)
}

func isEmpty(c *types.Condition) bool {
	return c == nil || (c.Operator == "" && c.Field == "" && c.Value.IsNull() &&
		len(c.Conditions) == 0 && c.Condition == nil)
}

// EvaluateAll 所有條件都成立才為 true；空列表為 true
func EvaluateAll(conds []types.Condition, ctx *types.Document) (bool, error) {
	for i := range conds {
		ok, err := Evaluate(&conds[i], ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func compare(op types.Operator, left, right types.Value) bool {
	l, ok := toNumber(left)
	if !ok {
		return false
	}
	r, ok := toNumber(right)
	if !ok {
		return false
	}

	switch op {
	case types.OpGt:
		return l > r
	case types.OpLt:
		return l < r
	case types.OpGte:
		return l >= r
	case types.OpLte:
		return l <= r
	}
	return false
}

// toNumber 數字保持不變，字串嘗試解析，布林轉為 1/0，其他失敗
func toNumber(v types.Value) (float64, bool) {
	switch v.Kind() {
	case types.KindNumber:
		n, _ := v.Num()
		return n, true
	case types.KindString:
		s, _ := v.Str()
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false
		}
		return n, true
	case types.KindBool:
		b, _ := v.Boolean()
		if b {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// member 判斷 needle 是否在 haystack 中
//
// haystack 為 list 時比較元素；兩者皆為字串時做子字串比對。
// 第二個回傳值為 false 表示 haystack 不是可搜尋的容器。
func member(haystack, needle types.Value) (found bool, ok bool) {
	switch haystack.Kind() {
	case types.KindList:
		items, _ := haystack.Items()
		for _, item := range items {
			if item.Equal(needle) {
				return true, true
			}
		}
		return false, true
	case types.KindString:
		h, _ := haystack.Str()
		n, isStr := needle.Str()
		if !isStr {
			return false, false
		}
		return strings.Contains(h, n), true
	}
	return false, false
}
