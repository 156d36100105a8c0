package httputil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		expectError bool
	}{
		{
			name:        "valid JSON",
			body:        `{"name": "test"}`,
			expectError: false,
		},
		{
			name:        "invalid JSON",
			body:        `{invalid}`,
			expectError: true,
		},
		{
			name:        "unknown field",
			body:        `{"name": "test", "extra": 1}`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/test", bytes.NewBufferString(tt.body))
			var dest struct {
				Name string `json:"name"`
			}

			err := ParseJSON(req, &dest)

			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, "test", dest.Name)
			}
		})
	}
}

func TestParseJSONOrError(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/test", bytes.NewBufferString(`{`))
	var dest map[string]string

	ok := ParseJSONOrError(w, req, &dest)

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParsePathStringOrError(t *testing.T) {
	t.Run("present", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := mux.SetURLVars(httptest.NewRequest("GET", "/users/u1", nil), map[string]string{"user_id": "u1"})

		val, ok := ParsePathStringOrError(w, req, "user_id")

		assert.True(t, ok)
		assert.Equal(t, "u1", val)
	})

	t.Run("missing", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/users/", nil)

		_, ok := ParsePathStringOrError(w, req, "user_id")

		assert.False(t, ok)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "missing path parameter: user_id")
	})
}

func TestParseQueryInt(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		expected    int
		expectError bool
	}{
		{name: "default", query: "", expected: 12},
		{name: "value", query: "?limit=3", expected: 3},
		{name: "invalid", query: "?limit=abc", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test"+tt.query, nil)

			val, err := ParseQueryInt(req, "limit", 12)

			if tt.expectError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, val)
		})
	}
}

func TestParseQueryIntOrError(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/test?limit=x", nil)

	_, ok := ParseQueryIntOrError(w, req, "limit", 12)

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequireHelpers(t *testing.T) {
	w := httptest.NewRecorder()
	assert.True(t, RequireNonEmpty(w, "u1", "user_id"))
	assert.True(t, RequirePositive(w, 5, "tokens"))

	w = httptest.NewRecorder()
	assert.False(t, RequireNonEmpty(w, "", "user_id"))
	assert.Contains(t, w.Body.String(), "user_id is required")

	w = httptest.NewRecorder()
	assert.False(t, RequirePositive(w, 0, "tokens"))
	assert.Contains(t, w.Body.String(), "tokens must be positive")
}
