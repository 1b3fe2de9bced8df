//go:build debug

package request

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerDeleteUnknownPanics(t *testing.T) {
	l := NewLedger()
	req, err := l.Create()
	require.NoError(t, err)
	require.NoError(t, l.Delete(req.ID))

	assert.Panics(t, func() { _ = l.Delete(req.ID) })
}
