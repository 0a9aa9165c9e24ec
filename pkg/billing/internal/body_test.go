package internal

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBodyStrict(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	_, err := ReadBodyStrict(rec, req, 10)
	assert.ErrorIs(t, err, ErrEmptyBody)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789abc"))
	_, err = ReadBodyStrict(rec, req, 10)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`))
	body, err := ReadBodyStrict(rec, req, 10)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(body))
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteJSON(rec, http.StatusAccepted, map[string]bool{"received": true}))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())
}
