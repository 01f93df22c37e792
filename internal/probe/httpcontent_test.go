package probe

import (
	"testing"

	"github.com/macwilam/linksense/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContentLength(t *testing.T) {
	assert.Equal(t, int64(104_857_601), parseContentLength("104857601"))
	assert.Equal(t, int64(0), parseContentLength("not-a-number"))
	assert.Equal(t, int64(0), parseContentLength(""))
}

func TestNewHTTPContentExecutorRejectsBadRegex(t *testing.T) {
	_, err := newHTTPContentExecutor(task.Spec{Name: "bad", Regex: "(unterminated"}, Deps{})
	require.Error(t, err)
}

func TestNewHTTPContentExecutorAcceptsEmptyRegex(t *testing.T) {
	e, err := newHTTPContentExecutor(task.Spec{Name: "ok"}, Deps{})
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.True(t, e.regex.MatchString("anything"))
}
