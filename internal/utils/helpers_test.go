package utils

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateID(t *testing.T) {
	a := GenerateID("session")
	b := GenerateID("session")
	assert.True(t, strings.HasPrefix(a, "session-"))
	assert.NotEqual(t, a, b)
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteJSON(rec, http.StatusTeapot, map[string]string{"a": "b"}))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"a":"b"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	assert.Error(t, WriteJSON(rec, http.StatusOK, make(chan int)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"1", "true", " YES ", "y", "on"} {
		assert.True(t, ParseBool(v), v)
	}
	for _, v := range []string{"", "0", "false", "off", "maybe"} {
		assert.False(t, ParseBool(v), v)
	}
}

func TestNormalizeVersion(t *testing.T) {
	assert.Equal(t, "1.2.3", NormalizeVersion(" v1.2.3 "))
	assert.Equal(t, "1.2.3", NormalizeVersion("1.2.3"))
	assert.Equal(t, "", NormalizeVersion(""))
}

func TestGetenvTrimsSpace(t *testing.T) {
	t.Setenv("QM_UTILS_TEST", "  value \n")
	assert.Equal(t, "value", Getenv("QM_UTILS_TEST"))
	assert.Equal(t, "", Getenv("QM_UTILS_TEST_UNSET"))
}
