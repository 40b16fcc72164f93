package common

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		err       error
		want      Category
		retryable bool
	}{
		{nil, CategoryNone, false},
		{IOError("write page", os.ErrPermission), CategoryTransient, false},
		{errors.New("unknown"), CategoryTransient, false},
		{ErrChecksumMismatch, CategoryCorruption, false},
		{fmt.Errorf("replay: %w", ErrJournalCorrupt), CategoryCorruption, false},
		{Corruptf("page %d: bad type", 7), CategoryCorruption, false},
		{WriterTimeout(context.DeadlineExceeded), CategoryContention, true},
		{WriterTimeout(context.Canceled), CategoryContention, true},
		{ErrTxClosed, CategoryMisuse, false},
		{ErrEnvLocked, CategoryMisuse, false},
		{fmt.Errorf("%w: page size", ErrInvalidOptions), CategoryMisuse, false},
		{ErrTreeNotFound, CategoryDomain, false},
		{fmt.Errorf("key %q: %w", "k", ErrConcurrencyViolation), CategoryDomain, true},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprint(tc.err), func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
			assert.Equal(t, tc.retryable, IsRetryable(tc.err))
		})
	}
}

func TestErrorHelpers(t *testing.T) {
	require.NoError(t, IOError("sync", nil))

	err := IOError("sync", os.ErrClosed)
	require.ErrorIs(t, err, ErrIO)
	assert.Contains(t, err.Error(), "sync")

	err = WriterTimeout(context.DeadlineExceeded)
	require.ErrorIs(t, err, ErrWriterTimeout)
	assert.Contains(t, err.Error(), "timed out")

	assert.ErrorIs(t, ErrInvalidMeta, ErrCorruption)
	assert.Equal(t, "corruption", CategoryCorruption.String())
}
