package orchestrator

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinesConfirm(t *testing.T) {
	var out bytes.Buffer
	c := NewLines(strings.NewReader("y\nno\n YES \n"), &out)
	ctx := context.Background()

	for _, want := range []bool{true, false, true, false} {
		got, err := c.Confirm(ctx, "Proceed?")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 4, strings.Count(out.String(), "Proceed? [y/N]: "))
}

func TestLinesConfirmCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLines(strings.NewReader("y\n"), nil).Confirm(ctx, "Proceed?")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFixedConfirmers(t *testing.T) {
	ok, err := Approve{}.Confirm(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = Decline{}.Confirm(context.Background(), "x")
	require.NoError(t, err)
	assert.False(t, ok)
}
