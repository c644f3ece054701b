package infosentry

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorPredicates(t *testing.T) {
	tests := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusNotFound, IsNotFound},
		{http.StatusBadRequest, IsInvalidInput},
		{http.StatusConflict, IsConflict},
		{http.StatusTooManyRequests, IsRateLimited},
		{http.StatusServiceUnavailable, IsUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := &Error{StatusCode: tt.status, Code: "X", Message: "m"}
			assert.True(t, tt.check(err))
			assert.True(t, tt.check(fmt.Errorf("wrapped: %w", err)))
			assert.False(t, tt.check(&Error{StatusCode: http.StatusInternalServerError}))
			assert.False(t, tt.check(errors.New("plain")))
			assert.False(t, tt.check(nil))
		})
	}
}

func TestErrorString(t *testing.T) {
	err := &Error{StatusCode: http.StatusConflict, Code: "CONFLICT", Message: "run is still running"}
	assert.Equal(t, "infosentry: CONFLICT (409): run is still running", err.Error())
}
