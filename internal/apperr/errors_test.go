package apperr

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermissionError_IsErrPermission(t *testing.T) {
	err := error(&PermissionError{Path: "/x/song.mp3", Direction: DirectionRead})
	assert.True(t, errors.Is(err, fs.ErrPermission))
	assert.Contains(t, err.Error(), "read")
	assert.Contains(t, err.Error(), "/x/song.mp3")
}

func TestPartialFailureError(t *testing.T) {
	var pf PartialFailureError
	require.NoError(t, pf.OrNil())

	pf.Add("b.mp3", ErrNotFound)
	pf.Add("a.mp3", errors.New("boom"))

	err := pf.OrNil()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "2 item(s) failed: a.mp3: boom; b.mp3: not found", err.Error())

	var target *PartialFailureError
	require.True(t, errors.As(err, &target))
	assert.Len(t, target.Failures, 2)
}
