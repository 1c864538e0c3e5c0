package architecture

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseX86Variants(t *testing.T) {
	for _, s := range []string{"x86_64", "amd64", "x64", "X86_64"} {
		a, err := Parse(s)
		assert.NoError(t, err)
		assert.Equal(t, X86_64, a)
	}
}

func TestParseAarch64Variants(t *testing.T) {
	for _, s := range []string{"aarch64", "arm64", "armv8", "ARM64"} {
		a, err := Parse(s)
		assert.NoError(t, err)
		assert.Equal(t, Aarch64, a)
	}
}

func TestParseRejectsUnknown(t *testing.T) {
	_, err := Parse("mips")
	assert.Error(t, err)
	_, err = Parse("riscv")
	assert.Error(t, err)
}

func TestStringConversion(t *testing.T) {
	assert.Equal(t, "x86_64", X86_64.String())
	assert.Equal(t, "aarch64", Aarch64.String())
	assert.Equal(t, "mips", Unsupported("mips").String())
}

func TestSupportCheck(t *testing.T) {
	assert.True(t, X86_64.IsSupported())
	assert.True(t, Aarch64.IsSupported())
	assert.False(t, Unsupported("mips").IsSupported())
}

func TestProperties(t *testing.T) {
	assert.Equal(t, "Intel/AMD 64-bit", X86_64.DisplayName())
	assert.Equal(t, "x86_64", X86_64.FileSuffix())
	assert.True(t, X86_64.Is64Bit())
	assert.True(t, X86_64.SupportsIncrementalUpgrade())

	u := Unsupported("mips")
	assert.False(t, u.Is64Bit())
	assert.False(t, u.SupportsIncrementalUpgrade())
}

func TestSupportedArchitectures(t *testing.T) {
	supported := SupportedArchitectures()
	assert.Len(t, supported, 2)
	assert.Contains(t, supported, X86_64)
	assert.Contains(t, supported, Aarch64)
}

func TestCheckCompatibility(t *testing.T) {
	current := Detect()
	assert.NoError(t, CheckCompatibility(current))
}

func TestCrossArchitectureSupport(t *testing.T) {
	assert.True(t, SupportsCrossArchitectureOperation(X86_64, X86_64))
	assert.False(t, SupportsCrossArchitectureOperation(X86_64, Aarch64))
}

func TestSystemSummary(t *testing.T) {
	summary := SystemSummary()
	assert.Contains(t, summary, "os:")
	assert.Contains(t, summary, "arch:")
	assert.Contains(t, summary, "64-bit:")
}
