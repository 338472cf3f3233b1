package shared

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetenv(t *testing.T) {
	t.Setenv("VOICE_TEST_TIMEOUT", "3s")
	t.Setenv("VOICE_TEST_BAD_INT", "three")

	d, err := Getenv(GetenvDuration, "VOICE_TEST_TIMEOUT", true, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)

	s, err := Getenv(GetenvString, "VOICE_TEST_UNSET", false, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", s)

	_, err = Getenv(GetenvString, "VOICE_TEST_UNSET", true, "")
	assert.Error(t, err)

	n, err := Getenv(GetenvInt, "VOICE_TEST_BAD_INT", false, 7)
	assert.Error(t, err)
	assert.Equal(t, 7, n)

	assert.Panics(t, func() {
		MustGetenv(GetenvBool, "VOICE_TEST_UNSET", true, false)
	})
}

func TestSessionErrorKinds(t *testing.T) {
	cause := assert.AnError
	err := NewSessionError(KindSignaling, "unexpected status 500", cause)

	assert.ErrorIs(t, err, KindSignaling)
	assert.NotErrorIs(t, err, KindMediaAcquisition)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "SignalingError")

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindSignaling, kind)

	_, ok = KindOf(cause)
	assert.False(t, ok)
}
