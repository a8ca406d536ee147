package status_test

import (
	"errors"
	"testing"

	"github.com/ovmf-tools/lopatch/status"
	"github.com/stretchr/testify/assert"
)

func TestStatusWithMessage(t *testing.T) {
	wrapped := status.NotFound.WithMessage("unit 7")
	assert.Equal(t, "Not found: unit 7", wrapped.Error())
	assert.ErrorIs(t, wrapped, status.NotFound)
}

func TestStatusWrapError(t *testing.T) {
	originalErr := errors.New("file missing")
	wrapped := status.DeviceError.WrapError(originalErr)

	assert.Equal(t, "Device error: file missing", wrapped.Error())
	assert.ErrorIs(t, wrapped, originalErr)
	assert.ErrorIs(t, wrapped, status.DeviceError)
}
