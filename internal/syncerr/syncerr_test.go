package syncerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyDispatchesEachSentinel(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{Transient(errors.New("boom")), ClassRetry},
		{RejectedConflict(errors.New("boom")), ClassReject},
		{Validation(errors.New("boom")), ClassReap},
		{AuthRequired(errors.New("boom")), ClassHalt},
		{CorruptedState(errors.New("boom")), ClassScrub},
		{errors.New("unrecognized"), ClassFatal},
		{nil, Class("")},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Classify(tc.err))
	}
}

func TestWrappedErrorsSurviveErrorsIs(t *testing.T) {
	err := LocalStoreFailure(errors.New("disk full"))
	require.True(t, errors.Is(err, ErrLocalStoreFailure))
	require.Contains(t, err.Error(), "disk full")
}
