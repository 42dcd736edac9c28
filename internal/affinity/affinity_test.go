package affinity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGoroutineID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		stack string
		want  int64
	}{
		{name: "running", stack: "goroutine 123 [running]:\n", want: 123},
		{name: "no state", stack: "goroutine 7", want: 7},
		{name: "other prefix", stack: "something else\n", want: 0},
		{name: "too short", stack: "gor", want: 0},
		{name: "no digits", stack: "goroutine [running]", want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, parseGoroutineID([]byte(tc.stack)))
		})
	}
}

func TestCurrent(t *testing.T) {
	t.Parallel()

	id := Current()
	require.Greater(t, id, int64(0))
	require.Equal(t, id, Current())

	other := make(chan int64)
	go func() { other <- Current() }()
	require.NotEqual(t, id, <-other)
}

func TestOwner_Assert(t *testing.T) {
	t.Parallel()

	o := NewOwner()
	require.True(t, o.Bound())
	require.True(t, o.IsCurrent())
	require.NotPanics(t, func() { o.Assert("same goroutine") })

	got := make(chan any, 1)
	go func() {
		defer func() { got <- recover() }()
		o.Assert("StartFrame")
	}()

	v := <-got
	require.NotNil(t, v)
	err, ok := v.(error)
	require.True(t, ok, "panic value should be an error, got %T", v)

	var violation *ViolationError
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, "StartFrame", violation.Op)
	assert.Equal(t, o.ID(), violation.Owner)
	assert.NotEqual(t, violation.Owner, violation.Caller)
	assert.ErrorIs(t, err, ErrThreadAffinity)
	assert.Contains(t, err.Error(), "StartFrame called from goroutine")
}

func TestOwner_Unbound(t *testing.T) {
	t.Parallel()

	var o Owner
	require.False(t, o.Bound())

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NotPanics(t, func() { o.Assert("anything") })
		assert.True(t, o.IsCurrent())
	}()
	<-done

	var nilOwner *Owner
	assert.NotPanics(t, func() { nilOwner.Assert("nil") })
	assert.True(t, nilOwner.IsCurrent())
}

func TestOwner_BindTo(t *testing.T) {
	t.Parallel()

	var o Owner
	o.BindTo(Current() + 1)
	assert.False(t, o.IsCurrent())
	assert.Panics(t, func() { o.Assert("rebound") })

	o.Bind()
	assert.True(t, o.IsCurrent())
}
