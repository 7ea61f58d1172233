package xerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatsComponentAndOperation(t *testing.T) {
	cause := errors.New("connection refused")
	err := New(ClassTransient, "export.loki", "send", cause)

	assert.Contains(t, err.Error(), "export.loki")
	assert.Contains(t, err.Error(), "send")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := New(ClassPersistence, "wal", "write", cause)
	assert.ErrorIs(t, err, cause)
}

func TestClassOfReturnsClassOrFallback(t *testing.T) {
	cause := New(ClassConfig, "config", "load", errors.New("bad yaml"))
	wrapped := errors.New("wrapper: " + cause.Error())

	assert.Equal(t, ClassConfig, ClassOf(cause, ClassPermanent))
	assert.Equal(t, ClassPermanent, ClassOf(wrapped, ClassPermanent))
}
