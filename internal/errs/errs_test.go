package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodesHaveDescriptions(t *testing.T) {
	for _, c := range Codes() {
		assert.NotEqual(t, "unknown", c.Name(), "code %d", int(c))
		assert.NotEmpty(t, c.Description(), "code %d", int(c))
		assert.NotEmpty(t, c.Hint(), "code %d", int(c))
	}
	assert.Equal(t, "unknown", Code(999).Name())
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{errors.New("plain"), ExitFailure},
		{New(CodeValidation, "bad"), ExitValidation},
		{New(CodeLockUnavailable, "busy"), ExitValidation},
		{New(CodeNotResumable, "idle"), ExitValidation},
		{New(CodeCanceled, "no"), ExitCanceled},
		{New(CodeInstallFailed, "boom"), ExitFailure},
		{fmt.Errorf("outer: %w", New(CodeCanceled, "declined")), ExitCanceled},
		{context.Canceled, ExitCanceled},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCode(tt.err), "%v", tt.err)
	}
}

func TestWrapAndIs(t *testing.T) {
	base := New(CodeNetwork, "dial failed")
	err := Wrap(base, CodeInstallFailed, "install %s", "node_exporter")
	require.Error(t, err)
	assert.Equal(t, CodeInstallFailed, CodeOf(err))
	assert.True(t, Is(err, CodeNetwork))
	assert.True(t, Is(err, CodeInstallFailed))
	assert.False(t, Is(err, CodeStateIO))
	assert.True(t, errors.Is(err, &Error{Code: CodeNetwork}))
	assert.Nil(t, Wrap(nil, CodeGeneral, "nothing"))
	assert.Contains(t, err.Error(), "install node_exporter")
	assert.Contains(t, err.Error(), "dial failed")
}

func TestContextChain(t *testing.T) {
	ec := NewContext()
	popOuter := ec.Push("Installing MySQL exporter")
	popInner := ec.Push("Downloading package")
	assert.Equal(t, "Installing MySQL exporter > Downloading package", ec.String())

	err := ec.Annotate(New(CodeNetwork, "timeout"))
	popInner()
	// outer annotation must not overwrite the innermost chain
	err = ec.Annotate(err)
	popOuter()

	assert.Equal(t, []string{"Installing MySQL exporter", "Downloading package"}, Chain(err))
	assert.Empty(t, ec.Frames())
	assert.Contains(t, err.Error(), "Installing MySQL exporter > Downloading package")
}

func TestContextAnnotatePlainError(t *testing.T) {
	ec := NewContext()
	defer ec.Push("Reading state")()
	err := ec.Annotate(errors.New("eof"))
	assert.Equal(t, CodeGeneral, CodeOf(err))
	assert.Equal(t, []string{"Reading state"}, Chain(err))
	assert.Equal(t, "Reading state", ec.Current())
}

func TestAggregate(t *testing.T) {
	agg := NewAggregate(CodeRollbackFailed, "rollback")
	assert.NoError(t, agg.Err())
	agg.Add(nil)
	agg.Add(New(CodeRestoreFailed, "a"))
	agg.Add(New(CodeRestoreFailed, "b"))
	require.Equal(t, 2, agg.Len())

	err := agg.Err()
	require.Error(t, err)
	assert.Equal(t, CodeRollbackFailed, CodeOf(err))
	assert.True(t, errors.Is(err, &Error{Code: CodeRestoreFailed}))
	assert.Contains(t, err.Error(), "2 failure(s)")
}

func TestRecoveryRetriesAfterRepair(t *testing.T) {
	r := NewRecovery(nil)
	repaired := false
	r.Register(CodeHealthCheckFailed, func(ctx context.Context, err *Error) error {
		repaired = true
		return nil
	})
	calls := 0
	err := r.Run(context.Background(), func(ctx context.Context) error {
		calls++
		if !repaired {
			return New(CodeHealthCheckFailed, "unhealthy")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRecoveryFailureKeepsOriginal(t *testing.T) {
	r := NewRecovery(nil)
	r.Register(CodeNetwork, func(ctx context.Context, err *Error) error {
		return errors.New("still down")
	})
	orig := New(CodeNetwork, "unreachable")
	err := r.Run(context.Background(), func(ctx context.Context) error { return orig })
	assert.Same(t, orig, err)

	// no handler registered: error passes through untouched and op runs once
	calls := 0
	err = r.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return New(CodeStateIO, "disk full")
	})
	assert.Equal(t, CodeStateIO, CodeOf(err))
	assert.Equal(t, 1, calls)
	assert.False(t, r.Has(CodeStateIO))
}

func TestOpsFromContext(t *testing.T) {
	ec := NewContext()
	ctx := WithOps(context.Background(), ec)
	defer OpsFrom(ctx).Push("Upgrading loki")()
	assert.Equal(t, "Upgrading loki", ec.Current())

	fresh := OpsFrom(context.Background())
	assert.NotSame(t, ec, fresh)
	assert.Empty(t, fresh.Frames())
}
