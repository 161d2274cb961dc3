package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowgate/pkg/api"
)

func TestEvaluateRules_Operators(t *testing.T) {
	params := map[string]any{
		"amount":   120,
		"currency": "EUR",
		"tags":     []any{"urgent", "capex"},
		"note":     "needs review",
		"customer": map[string]any{"tier": "gold", "score": 7.5},
		"empty":    nil,
	}

	tests := []struct {
		name string
		rule api.Rule
		want bool
	}{
		{"eq number across types", api.Rule{Field: "amount", Op: "eq", Value: 120.0}, true},
		{"eq string", api.Rule{Field: "currency", Op: "eq", Value: "EUR"}, true},
		{"default op is eq", api.Rule{Field: "currency", Value: "USD"}, false},
		{"ne", api.Rule{Field: "currency", Op: "ne", Value: "USD"}, true},
		{"ne missing field", api.Rule{Field: "missing", Op: "ne", Value: "x"}, true},
		{"gt", api.Rule{Field: "amount", Op: "gt", Value: 100}, true},
		{"gte equal", api.Rule{Field: "amount", Op: "gte", Value: 120}, true},
		{"lt", api.Rule{Field: "amount", Op: "lt", Value: 100}, false},
		{"lte", api.Rule{Field: "amount", Op: "lte", Value: 120}, true},
		{"lt missing field", api.Rule{Field: "missing", Op: "lt", Value: 1}, false},
		{"string ordering", api.Rule{Field: "currency", Op: "lt", Value: "USD"}, true},
		{"in", api.Rule{Field: "currency", Op: "in", Value: []any{"EUR", "USD"}}, true},
		{"in string slice", api.Rule{Field: "currency", Op: "in", Value: []string{"GBP"}}, false},
		{"not_in", api.Rule{Field: "currency", Op: "not_in", Value: []any{"GBP"}}, true},
		{"contains list", api.Rule{Field: "tags", Op: "contains", Value: "capex"}, true},
		{"contains substring", api.Rule{Field: "note", Op: "contains", Value: "review"}, true},
		{"contains missing", api.Rule{Field: "missing", Op: "contains", Value: "x"}, false},
		{"exists", api.Rule{Field: "currency", Op: "exists"}, true},
		{"exists nil value", api.Rule{Field: "empty", Op: "exists"}, false},
		{"not_exists", api.Rule{Field: "missing", Op: "not_exists"}, true},
		{"nested path", api.Rule{Field: "customer.tier", Op: "eq", Value: "gold"}, true},
		{"nested number", api.Rule{Field: "customer.score", Op: "gt", Value: 7}, true},
		{"path through scalar", api.Rule{Field: "currency.code", Op: "exists"}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EvaluateRules(api.Condition{Rules: []api.Rule{tc.rule}}, params)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluateRules_EmptyConditionHolds(t *testing.T) {
	ok, err := EvaluateRules(api.Condition{}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateRules_MatchAllAndAny(t *testing.T) {
	params := map[string]any{"amount": 50, "currency": "EUR"}
	rules := []api.Rule{
		{Field: "amount", Op: "gt", Value: 100},
		{Field: "currency", Op: "eq", Value: "EUR"},
	}

	ok, err := EvaluateRules(api.Condition{Rules: rules}, params)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = EvaluateRules(api.Condition{Match: "any", Rules: rules}, params)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvaluateRules(api.Condition{Match: "any", Rules: rules[:1]}, params)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateRules_InvalidConditions(t *testing.T) {
	params := map[string]any{"amount": 50}

	cases := []api.Condition{
		{Rules: []api.Rule{{Field: "amount", Op: "between", Value: 1}}},
		{Rules: []api.Rule{{Op: "eq", Value: 1}}},
		{Rules: []api.Rule{{Field: "amount", Op: "in", Value: "not-a-list"}}},
		{Rules: []api.Rule{{Field: "amount", Op: "gt", Value: "ten"}}},
		{Match: "some", Rules: []api.Rule{{Field: "amount", Op: "exists"}}},
	}
	for _, c := range cases {
		_, err := EvaluateRules(c, params)
		if !errors.Is(err, api.ErrInvalidCondition) {
			t.Fatalf("condition %+v: expected ErrInvalidCondition, got %v", c, err)
		}
	}
}

func TestAlwaysTrue(t *testing.T) {
	ok, err := AlwaysTrue(api.Condition{Rules: []api.Rule{{Field: "x", Op: "eq", Value: 1}}}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}
