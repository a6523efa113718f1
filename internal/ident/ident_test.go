package ident

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveMatchesStoredIdentifiers(t *testing.T) {
	assert.Equal(t, "2aaef69530", Derive("Residencial", "T1"))
	assert.Equal(t, "6aac886ae7", Derive("ALEMHI01", "HI", "HID"))
}

func TestDeriveNormalizesAttributes(t *testing.T) {
	assert.Equal(t, Derive("residencial", "t1"), Derive("  Residencial ", "T1 "))
	assert.Equal(t, Derive("ALEMHI01", "HI", "HID"), Derive("alemhi01", " hi", "Hid\t"))
}

func TestDeriveOrderMatters(t *testing.T) {
	assert.NotEqual(t, Derive("HI", "ALEMHI01", "HID"), Derive("ALEMHI01", "HI", "HID"))
}

// Attributes are concatenated without a separator, so shifting characters between
// adjacent attributes yields the same identifier. Stored keys depend on this.
func TestDeriveNoSeparator(t *testing.T) {
	assert.Equal(t, Derive("Ab", "c"), Derive("a", "bc"))
}

func TestDeriverLength(t *testing.T) {
	assert.Equal(t, "6aac886ae7f6", New(12).Derive("ALEMHI01", "HI", "HID"))
	assert.Len(t, New(0).Derive("x"), DefaultLength)
	assert.Len(t, New(99).Derive("x"), 40)
	assert.Equal(t, DefaultLength, Deriver{}.Length())
}
