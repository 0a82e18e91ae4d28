package runtime

import (
	"testing"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/stretchr/testify/assert"
)

func TestSuccessMergesObjectOutput(t *testing.T) {
	data := domain.DataContext{"a": 1, "sum": 0}
	res := Success(data, map[string]any{"sum": 50}, 200)

	assert.Equal(t, domain.DataContext{"a": 1, "sum": 50}, res.Data)
	assert.Equal(t, 0, data["sum"], "input context must not change")
	assert.Equal(t, 200, res.StatusCode)
}

func TestSuccessKeepsContextForScalarOutput(t *testing.T) {
	data := domain.DataContext{"a": 1}
	res := Success(data, "plain", 200)

	assert.Equal(t, data, res.Data)
	assert.Equal(t, "plain", res.Output)
}

func TestFailureReturnsContextUnchanged(t *testing.T) {
	data := domain.DataContext{"a": 1}
	res := Failure(data, 404)
	assert.Equal(t, data, res.Data)
	assert.Nil(t, res.Output)
}
