package cas

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	cases := []struct {
		header string
		want   Range
	}{
		{"", RangeAll()},
		{"bytes=0-499", NewRange(0, 499)},
		{"bytes=500-", RangeFrom(500)},
		{"bytes=-500", RangeSuffix(500)},
		{"bytes=9500-9999", NewRange(9500, 9999)},
	}
	for _, tc := range cases {
		got, err := ParseRange(tc.header)
		require.NoError(t, err, tc.header)
		require.Equal(t, tc.want, got, tc.header)
	}

	for _, header := range []string{
		"bytes",
		"bytes=",
		"bytes=-",
		"0-499",
		"bytes=a-b",
		"bytes=500-100",
	} {
		_, err := ParseRange(header)
		require.ErrorIs(t, err, ErrInvalidArgument, header)
	}
}

func TestRangeResolve(t *testing.T) {
	const size = 1000
	cases := []struct {
		name   string
		rng    Range
		offset uint64
		length uint64
	}{
		{"all", RangeAll(), 0, size},
		{"bounds", NewRange(100, 199), 100, 100},
		{"bounds clamped", NewRange(900, 2000), 900, 100},
		{"bounds past end", NewRange(size, size+1), 0, 0},
		{"single byte", NewRange(0, 0), 0, 1},
		{"last byte", NewRange(size-1, size-1), size - 1, 1},
		{"prefix", RangeTo(300), 0, 300},
		{"prefix clamped", RangeTo(5000), 0, size},
		{"from", RangeFrom(400), 400, 600},
		{"from zero", RangeFrom(0), 0, size},
		{"from past end", RangeFrom(size), 0, 0},
		{"suffix", RangeSuffix(250), 750, 250},
		{"suffix clamped", RangeSuffix(5000), 0, size},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			offset, length := tc.rng.Resolve(size)
			require.Equal(t, tc.offset, offset)
			require.Equal(t, tc.length, length)
		})
	}
}

func TestRangeResolveEmptyObject(t *testing.T) {
	offset, length := RangeAll().Resolve(0)
	require.Zero(t, offset)
	require.Zero(t, length)

	offset, length = NewRange(0, 10).Resolve(0)
	require.Zero(t, offset)
	require.Zero(t, length)
}
