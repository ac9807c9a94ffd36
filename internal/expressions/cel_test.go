package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/formbridge/pkg/schema"
)

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_Conditions(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := Data(
		map[string]any{"newsletter": "1", "age": int64(34), "topics": []any{"housing", "legal"}},
		map[string]any{"contact": map[string]any{"id": int64(12)}},
		map[string]any{"name": "intake"},
	)

	tests := []struct {
		expr string
		want bool
	}{
		{`fields.newsletter == "1"`, true},
		{`fields.age > 40`, false},
		{`"legal" in fields.topics`, true},
		{`has(actions.contact.id)`, true},
		{`has(actions.case)`, false},
		{`form.name == "intake"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.EvaluateBool(context.Background(), tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCEL_MissingVariablesDefaultToEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	got, err := e.EvaluateBool(context.Background(), `size(actions) == 0`, nil)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCEL_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = e.Check(`fields.a ==`)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = e.EvaluateBool(context.Background(), `"text"`, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), `fields.missing == "x"`, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}

func TestCEL_ConcurrentCache(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := e.EvaluateBool(context.Background(), `fields.x == "y"`,
				Data(map[string]any{"x": "y"}, nil, nil))
			assert.NoError(t, err)
			assert.True(t, got)
		}()
	}
	wg.Wait()
}
