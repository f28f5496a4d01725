//go:build !cgo || !uldaq

package mccdaq

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpenWithoutDriver(t *testing.T) {
	b, err := Open(DefaultConfig())
	assert.Nil(t, b)
	assert.ErrorIs(t, err, ErrNoDriver)
}
