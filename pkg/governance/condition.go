package governance

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roastops/roastd/pkg/models"
)

// Breaker conditions are textual so operators can read and edit them, but
// the grammar is deliberately tiny: one metric from a closed vocabulary,
// one operator, one literal. Rules are parsed when written; evaluation
// never fails.

// Condition operators.
const (
	OpGT  = ">"
	OpGTE = ">="
	OpLT  = "<"
	OpLTE = "<="
	OpEQ  = "==="
)

// conditionMetrics is the closed vocabulary of left-hand sides.
var conditionMetrics = map[string]bool{
	"errorRate":            true,
	"successRate":          true,
	"rollbackRate":         true,
	"approvalRate":         true,
	"incidents.critical":   true,
	"incident.severity":    true,
	"commandType.failures": true,
	"constraintViolations": true,
	"emergencyAborts":      true,
}

// Condition is a parsed breaker rule condition.
type Condition struct {
	Metric string
	Op     string

	// Number is the right-hand literal for numeric operators; Str for
	// string equality (===).
	Number float64
	Str    string
}

// ParseCondition parses expressions like "errorRate > 0.05" or
// `incident.severity === "critical"`. Malformed conditions are rejected
// here, at rule-write time, never during a breaker tick.
func ParseCondition(s string) (Condition, error) {
	var c Condition
	for _, op := range []string{OpEQ, OpGTE, OpLTE, OpGT, OpLT} {
		left, right, found := strings.Cut(s, op)
		if !found {
			continue
		}
		c.Op = op
		c.Metric = strings.TrimSpace(left)
		rhs := strings.TrimSpace(right)

		if !conditionMetrics[c.Metric] {
			return Condition{}, fmt.Errorf("condition: unknown metric %q", c.Metric)
		}
		if op == OpEQ && strings.HasPrefix(rhs, `"`) {
			if !strings.HasSuffix(rhs, `"`) || len(rhs) < 2 {
				return Condition{}, fmt.Errorf("condition: unterminated string literal %s", rhs)
			}
			c.Str = rhs[1 : len(rhs)-1]
			return c, nil
		}
		n, err := strconv.ParseFloat(rhs, 64)
		if err != nil {
			return Condition{}, fmt.Errorf("condition: invalid literal %q: %w", rhs, err)
		}
		c.Number = n
		return c, nil
	}
	return Condition{}, fmt.Errorf("condition: no operator in %q", s)
}

// Evaluate applies the condition to a metrics snapshot.
func (c Condition) Evaluate(m models.CommandMetrics) bool {
	if c.Op == OpEQ && c.Str != "" {
		// The only string-valued signal: the severity of the most recent
		// incidents. "critical" matches whenever critical incidents exist.
		if c.Metric == "incident.severity" {
			return c.Str == "critical" && m.CriticalIncidents > 0
		}
		return false
	}

	var v float64
	switch c.Metric {
	case "errorRate":
		v = m.ErrorRate
	case "successRate":
		v = m.SuccessRate
	case "rollbackRate":
		v = m.RollbackRate
	case "approvalRate":
		v = m.ApprovalRate
	case "incidents.critical":
		v = float64(m.CriticalIncidents)
	case "constraintViolations":
		v = float64(m.ConstraintViolations)
	case "emergencyAborts":
		v = float64(m.EmergencyAborts)
	case "commandType.failures":
		for _, n := range m.FailuresByType {
			if float64(n) > v {
				v = float64(n)
			}
		}
	default:
		return false
	}

	switch c.Op {
	case OpGT:
		return v > c.Number
	case OpGTE:
		return v >= c.Number
	case OpLT:
		return v < c.Number
	case OpLTE:
		return v <= c.Number
	case OpEQ:
		return v == c.Number
	}
	return false
}
