package output

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuccessEnvelope(t *testing.T) {
	resp := Success(map[string]int{"count": 3})
	assert.Equal(t, "v1", resp.SchemaVersion)
	assert.True(t, resp.Success)
	assert.Empty(t, resp.Error)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"schema_version":"v1","success":true,"data":{"count":3}}`, string(data))
}

func TestErrorEnvelope(t *testing.T) {
	resp := Error(errors.New("boom"))
	assert.False(t, resp.Success)
	assert.Equal(t, "boom", resp.Error)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	// Data is omitted entirely on errors.
	assert.NotContains(t, string(data), `"data"`)
}
