package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrepareData(t *testing.T) {
	source := map[string]any{
		"first_name":  "Ada",
		"is_deceased": "0",
		"nick_name":   "",
		"do_not_mail": false,
		"tags":        []any{},
		"unlisted":    "x",
	}
	got := PrepareData(source, []string{"first_name", "is_deceased", "nick_name", "do_not_mail", "tags", "missing"})

	assert.Equal(t, map[string]any{
		"first_name":  "Ada",
		"is_deceased": "0",
	}, got)
}

func TestPrepareData_Empty(t *testing.T) {
	assert.Empty(t, PrepareData(nil, []string{"a"}))
	assert.Empty(t, PrepareData(map[string]any{"a": "1"}, nil))
}
