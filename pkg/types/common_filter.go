package types

import (
	"gorm.io/gorm/clause"
)

type CommonFilterOperator string

const (
	CommonFilterOperatorEq    CommonFilterOperator = "eq"
	CommonFilterOperatorNotEq CommonFilterOperator = "not_eq"
	CommonFilterOperatorLt    CommonFilterOperator = "lt"
	CommonFilterOperatorLte   CommonFilterOperator = "lte"
	CommonFilterOperatorGt    CommonFilterOperator = "gt"
	CommonFilterOperatorGte   CommonFilterOperator = "gte"
	// CommonFilterOperatorDateRange matches Values[0] <= field < Values[1].
	CommonFilterOperatorDateRange CommonFilterOperator = "date_range"
	// CommonFilterOperatorRange matches Values[0] <= field <= Values[1].
	CommonFilterOperatorRange CommonFilterOperator = "range"
	CommonFilterOperatorIn    CommonFilterOperator = "in"
	// CommonFilterOperatorOr matches when any of the nested Filters does.
	CommonFilterOperatorOr CommonFilterOperator = "or"
)

// CommonFilter is a client supplied condition on one column. Callers must check
// Fields against an allow list before building, as Field is used as a column name.
type CommonFilter struct {
	Field    string               `json:"field"`
	Operator CommonFilterOperator `json:"operator"`
	Values   []any                `json:"values"`
	Filters  []CommonFilter       `json:"filters"`
}

// Fields returns every column the filter refers to, nested ones included.
func (f *CommonFilter) Fields() []string {
	if f.Operator != CommonFilterOperatorOr {
		return []string{f.Field}
	}
	var fields []string
	for i := range f.Filters {
		fields = append(fields, f.Filters[i].Fields()...)
	}
	return fields
}

// Build constructs a GORM expression. Filters without enough values build to TRUE.
func (f *CommonFilter) Build(builder clause.Builder) {
	f.expression().Build(builder)
}

func (f *CommonFilter) expression() clause.Expression {
	if f.Operator == CommonFilterOperatorOr {
		if len(f.Filters) == 0 {
			return clause.Expr{SQL: "1=1"}
		}
		exprs := make([]clause.Expression, 0, len(f.Filters))
		for i := range f.Filters {
			exprs = append(exprs, f.Filters[i].expression())
		}
		return clause.Or(exprs...)
	}
	if len(f.Values) == 0 {
		return clause.Expr{SQL: "1=1"}
	}

	value := f.Values[0]
	switch f.Operator {
	case CommonFilterOperatorEq:
		return clause.Eq{Column: f.Field, Value: value}
	case CommonFilterOperatorNotEq:
		return clause.Neq{Column: f.Field, Value: value}
	case CommonFilterOperatorLt:
		return clause.Lt{Column: f.Field, Value: value}
	case CommonFilterOperatorLte:
		return clause.Lte{Column: f.Field, Value: value}
	case CommonFilterOperatorGt:
		return clause.Gt{Column: f.Field, Value: value}
	case CommonFilterOperatorGte:
		return clause.Gte{Column: f.Field, Value: value}
	case CommonFilterOperatorRange, CommonFilterOperatorDateRange:
		if len(f.Values) < 2 {
			return clause.Expr{SQL: "1=1"}
		}
		var upper clause.Expression = clause.Lte{Column: f.Field, Value: f.Values[1]}
		if f.Operator == CommonFilterOperatorDateRange {
			upper = clause.Lt{Column: f.Field, Value: f.Values[1]}
		}
		return clause.And(clause.Gte{Column: f.Field, Value: value}, upper)
	case CommonFilterOperatorIn:
		return clause.IN{Column: f.Field, Values: f.Values}
	default:
		return clause.Expr{SQL: "1=1"}
	}
}
