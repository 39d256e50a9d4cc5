package types

import (
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type filterRow struct {
	ID int
}

func buildWhere(t *testing.T, f *CommonFilter) (string, []any) {
	t.Helper()
	sqlDB, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		DisableAutomaticPing: true,
		Logger:               gormlogger.Discard,
	})
	require.NoError(t, err)

	var rows []filterRow
	stmt := db.Session(&gorm.Session{DryRun: true}).
		Where(clause.Where{Exprs: []clause.Expression{f}}).
		Find(&rows).Statement
	sql := stmt.SQL.String()
	_, where, ok := strings.Cut(sql, " WHERE ")
	require.True(t, ok, sql)
	return where, stmt.Vars
}

func TestCommonFilter_Build(t *testing.T) {
	tests := []struct {
		name     string
		filter   CommonFilter
		wantSQL  []string
		wantVars []any
	}{
		{
			name:     "eq",
			filter:   CommonFilter{Field: "user_id", Operator: CommonFilterOperatorEq, Values: []any{"u1"}},
			wantSQL:  []string{`"user_id" = $1`},
			wantVars: []any{"u1"},
		},
		{
			name:     "not eq",
			filter:   CommonFilter{Field: "status", Operator: CommonFilterOperatorNotEq, Values: []any{"failed"}},
			wantSQL:  []string{`"status" <> $1`},
			wantVars: []any{"failed"},
		},
		{
			name:     "in",
			filter:   CommonFilter{Field: "gateway", Operator: CommonFilterOperatorIn, Values: []any{"card", "apple"}},
			wantSQL:  []string{`"gateway" IN ($1,$2)`},
			wantVars: []any{"card", "apple"},
		},
		{
			name:     "range is inclusive",
			filter:   CommonFilter{Field: "amount", Operator: CommonFilterOperatorRange, Values: []any{10, 20}},
			wantSQL:  []string{`"amount" >= $1`, `"amount" <= $2`},
			wantVars: []any{10, 20},
		},
		{
			name:     "date range excludes its end",
			filter:   CommonFilter{Field: "created_at", Operator: CommonFilterOperatorDateRange, Values: []any{"2025-04-01", "2025-05-01"}},
			wantSQL:  []string{`"created_at" >= $1`, `"created_at" < $2`},
			wantVars: []any{"2025-04-01", "2025-05-01"},
		},
		{
			name: "or group",
			filter: CommonFilter{Operator: CommonFilterOperatorOr, Filters: []CommonFilter{
				{Field: "gateway", Operator: CommonFilterOperatorEq, Values: []any{"card"}},
				{Field: "amount", Operator: CommonFilterOperatorGt, Values: []any{100}},
			}},
			wantSQL:  []string{`"gateway" = $1 OR "amount" > $2`},
			wantVars: []any{"card", 100},
		},
		{
			name:    "missing values match everything",
			filter:  CommonFilter{Field: "user_id", Operator: CommonFilterOperatorEq},
			wantSQL: []string{"1=1"},
		},
		{
			name:    "unknown operator matches everything",
			filter:  CommonFilter{Field: "user_id", Operator: "like", Values: []any{"%"}},
			wantSQL: []string{"1=1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, vars := buildWhere(t, &tt.filter)
			for _, want := range tt.wantSQL {
				assert.Contains(t, where, want)
			}
			if tt.wantVars == nil {
				assert.Empty(t, vars)
				return
			}
			assert.Equal(t, tt.wantVars, vars)
		})
	}
}

func TestCommonFilter_Fields(t *testing.T) {
	f := CommonFilter{Operator: CommonFilterOperatorOr, Filters: []CommonFilter{
		{Field: "gateway", Operator: CommonFilterOperatorEq},
		{Operator: CommonFilterOperatorOr, Filters: []CommonFilter{{Field: "1=1; drop table x", Operator: CommonFilterOperatorEq}}},
	}}
	assert.Equal(t, []string{"gateway", "1=1; drop table x"}, f.Fields())

	plain := CommonFilter{Field: "user_id", Operator: CommonFilterOperatorEq}
	assert.Equal(t, []string{"user_id"}, plain.Fields())
}
