package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := Wrap(KindStore, "insert failed", cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, KindStore, GetKind(err))
	assert.False(t, IsRetryable(err))
}

func TestWrapRetryable(t *testing.T) {
	err := WrapRetryable(KindSubprocess, "nix-store timed out", fmt.Errorf("exit 124"))

	assert.True(t, IsRetryable(err))
	assert.True(t, IsKind(err, KindSubprocess))
}

func TestIsKindOnPlainError(t *testing.T) {
	err := fmt.Errorf("plain")

	assert.False(t, IsKind(err, KindStore))
	assert.Equal(t, KindInternal, GetKind(err))
	assert.False(t, IsRetryable(err))
}

func TestWithContext(t *testing.T) {
	err := New(KindInvariant, "unexpected state").WithContext("drv_id", "abc123")

	assert.Equal(t, "abc123", err.Context["drv_id"])
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindConfig, http.StatusBadRequest},
		{KindInvariant, http.StatusConflict},
		{KindSubprocess, http.StatusServiceUnavailable},
		{KindStore, http.StatusServiceUnavailable},
		{KindTransport, http.StatusBadGateway},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, c := range cases {
		got := StatusFor(New(c.kind, "x"))
		assert.Equal(t, c.want, got, c.kind.String())
	}
}

func TestCLIErrorAdapterExitCodes(t *testing.T) {
	a := NewCLIErrorAdapter(nil, false)
	_ = a
	assert.Equal(t, 2, (&CLIErrorAdapter{}).ExitCodeFor(New(KindConfig, "bad")))
	assert.Equal(t, 1, (&CLIErrorAdapter{}).ExitCodeFor(fmt.Errorf("plain")))
	assert.Equal(t, 0, (&CLIErrorAdapter{}).ExitCodeFor(nil))
}
