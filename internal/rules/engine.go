// ============================================================================
// fairshare 規則引擎 - 資格判斷與權重計算
// ============================================================================
//
// Package: internal/rules
// 文件: engine.go
// 功能: 以規則集判斷 executor 是否有資格，並計算分派權重
//
// 權重規則:
//   - 固定倍率 weight：條件成立時乘上
//   - 公式 formula：CEL 表達式；求值失敗或結果不是有限數字時視為 ×1.0，編譯失敗是錯誤
//   - 空條件與缺少條件都視為成立
//
// 並發:
//   編譯後的公式存在 xsync.Map，可由多個 worker 同時讀取
//
// ============================================================================

package rules

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/cel-go/cel"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/ChuLiYu/fairshare/pkg/types"
)

// DefaultCostLimit 單次公式求值的成本上限
const DefaultCostLimit uint64 = 10_000

// Engine 規則引擎：資格判斷 + 權重計算
//
// 權重公式使用移除所有巨集的 CEL（沒有 comprehension，因此沒有迴圈），
// 只能存取 task 與 executor 兩個變數；編譯結果依公式字串快取。
type Engine struct {
	env       *cel.Env
	programs  *xsync.Map[string, cel.Program]
	costLimit uint64
}

// NewEngine 建立規則引擎；costLimit 為 0 時使用 DefaultCostLimit
func NewEngine(costLimit uint64) (*Engine, error) {
	if costLimit == 0 {
		costLimit = DefaultCostLimit
	}
	env, err := cel.NewEnv(
		cel.ClearMacros(),
		cel.Variable("task", cel.DynType),
		cel.Variable("executor", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build formula environment: %w", err)
	}
	return &Engine{
		env:       env,
		programs:  xsync.NewMap[string, cel.Program](),
		costLimit: costLimit,
	}, nil
}

// Eligible 規則集的所有條件都成立時回傳 true；沒有規則集時全部允許
func (e *Engine) Eligible(rs *types.RuleSet, ctx *types.Document) (bool, error) {
	if rs == nil {
		return true, nil
	}
	return EvaluateAll(rs.Conditions, ctx)
}

// CalculateWeight 從 1.0 開始，依序乘上每條成立規則的權重
//
// 權重是複利（2.0 與 1.5 同時成立得到 3.0），不是相加。
// 公式求值失敗或結果不是有限數字時，該規則視為 ×1.0。
func (e *Engine) CalculateWeight(weights []types.WeightRule, ctx *types.Document) (float64, error) {
	weight := 1.0
	for i := range weights {
		rule := &weights[i]
		ok, err := Evaluate(rule.Condition, ctx)
		if err != nil {
			return 0, fmt.Errorf("weight rule %d: %w", i, err)
		}
		if !ok {
			continue
		}

		if rule.Formula == "" {
			weight *= rule.Multiplier()
			continue
		}

		m, err := e.evalFormula(rule.Formula, ctx)
		if err != nil {
			return 0, fmt.Errorf("weight rule %d: %w", i, err)
		}
		weight *= m
	}
	return weight, nil
}

// Validate 在規則撰寫階段檢查運算子、欄位與公式
func (e *Engine) Validate(rs *types.RuleSet) error {
	var errs []error
	for i := range rs.Conditions {
		if err := ValidateCondition(&rs.Conditions[i]); err != nil {
			errs = append(errs, fmt.Errorf("conditions[%d]: %w", i, err))
		}
	}
	for i, w := range rs.Weights {
		if w.Condition != nil {
			if err := ValidateCondition(w.Condition); err != nil {
				errs = append(errs, fmt.Errorf("weights[%d].condition: %w", i, err))
			}
		}
		if w.Formula != "" {
			if _, err := e.compile(w.Formula); err != nil {
				errs = append(errs, fmt.Errorf("weights[%d].formula: %w", i, err))
			}
		}
	}
	return errors.Join(errs...)
}

// ValidateCondition 遞迴檢查條件樹
func ValidateCondition(c *types.Condition) error {
	if isEmpty(c) {
		return nil
	}
	switch c.Operator {
	case types.OpAnd, types.OpOr:
		for i := range c.Conditions {
			if err := ValidateCondition(&c.Conditions[i]); err != nil {
				return fmt.Errorf("%s[%d]: %w", c.Operator, i, err)
			}
		}
		return nil
	case types.OpNot:
		if c.Condition != nil {
			if err := ValidateCondition(c.Condition); err != nil {
				return fmt.Errorf("not: %w", err)
			}
		}
		for i := range c.Conditions {
			if err := ValidateCondition(&c.Conditions[i]); err != nil {
				return fmt.Errorf("not[%d]: %w", i, err)
			}
		}
		return nil
	case types.OpEq, types.OpNe, types.OpGt, types.OpLt, types.OpGte, types.OpLte,
		types.OpIn, types.OpNotIn, types.OpContains:
		if c.Field == "" {
			return fmt.Errorf("%w: %s requires a field", ErrInvalidCondition, c.Operator)
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownOperator, c.Operator)
}

func (e *Engine) compile(src string) (cel.Program, error) {
	if prog, ok := e.programs.Load(src); ok {
		return prog, nil
	}

	ast, iss := e.env.Compile(src)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormula, iss.Err())
	}
	prog, err := e.env.Program(ast, cel.CostLimit(e.costLimit))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormula, err)
	}

	e.programs.Store(src, prog)
	return prog, nil
}

func (e *Engine) evalFormula(src string, ctx *types.Document) (float64, error) {
	prog, err := e.compile(src)
	if err != nil {
		return 0, err
	}

	out, _, err := prog.Eval(map[string]any{
		"task":     section(ctx, "task"),
		"executor": section(ctx, "executor"),
	})
	if err != nil {
		return 1.0, nil
	}

	var f float64
	switch v := out.Value().(type) {
	case float64:
		f = v
	case int64:
		f = float64(v)
	case uint64:
		f = float64(v)
	default:
		return 1.0, nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 1.0, nil
	}
	return f, nil
}

func section(ctx *types.Document, key string) map[string]any {
	doc, ok := ctx.Lookup(key).Document()
	if !ok {
		return map[string]any{}
	}
	return doc.Native()
}
