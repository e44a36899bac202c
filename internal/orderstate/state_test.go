package orderstate

import (
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckTransition(t *testing.T) {
	testCases := []struct {
		from    Status
		to      Status
		wantErr error
	}{
		{Pending, Submitted, nil},
		{Pending, Cancelled, nil},
		{Pending, Open, ErrIllegalTransition},
		{Pending, Rejected, ErrIllegalTransition},
		{Submitted, Open, nil},
		{Submitted, Rejected, nil},
		{Submitted, Cancelled, nil},
		{Submitted, Complete, ErrIllegalTransition},
		{Open, PartiallyFilled, nil},
		{Open, Complete, nil},
		{Open, Cancelled, nil},
		{Open, Rejected, ErrIllegalTransition},
		{Open, Pending, ErrIllegalTransition},
		{PartiallyFilled, PartiallyFilled, nil},
		{PartiallyFilled, Complete, nil},
		{PartiallyFilled, Cancelled, nil},
		{PartiallyFilled, Open, ErrIllegalTransition},
		{Complete, Cancelled, ErrTerminalState},
		{Cancelled, Open, ErrTerminalState},
		{Rejected, Submitted, ErrTerminalState},
	}

	for _, tc := range testCases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			err := CheckTransition(tc.from, tc.to)
			if tc.wantErr == nil {
				assert.NoError(t, err)
				assert.True(t, CanTransition(tc.from, tc.to))
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
			var te *TransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tc.from, te.From)
			assert.Equal(t, tc.to, te.To)
		})
	}
}

// Random walks that start in a terminal state must never find a legal step.
func TestNoTransitionLeavesTerminalState(t *testing.T) {
	faker := gofakeit.New(0)
	all := All()
	terminal := []Status{Complete, Cancelled, Rejected}

	for i := 0; i < 500; i++ {
		current := terminal[faker.IntRange(0, len(terminal)-1)]
		steps := faker.IntRange(1, 10)
		for j := 0; j < steps; j++ {
			next := all[faker.IntRange(0, len(all)-1)]
			err := CheckTransition(current, next)
			require.ErrorIs(t, err, ErrTerminalState, "%s -> %s", current, next)
		}
	}
}

// Random walks over legal transitions only ever stop in a terminal state or keep going.
func TestRandomLegalWalks(t *testing.T) {
	faker := gofakeit.New(0)

	for i := 0; i < 200; i++ {
		current := Pending
		for steps := 0; steps < 20 && !current.IsTerminal(); steps++ {
			options := transitions[current]
			require.NotEmpty(t, options, "non-terminal %s has no exits", current)
			next := options[faker.IntRange(0, len(options)-1)]
			require.NoError(t, CheckTransition(current, next))
			current = next
		}
	}
}

func TestCheckCancel(t *testing.T) {
	assert.NoError(t, CheckCancel(Pending))
	assert.NoError(t, CheckCancel(Submitted))
	assert.NoError(t, CheckCancel(Open))
	assert.ErrorIs(t, CheckCancel(Complete), ErrAlreadyFinal)
	assert.ErrorIs(t, CheckCancel(Cancelled), ErrAlreadyFinal)
	assert.ErrorIs(t, CheckCancel(Rejected), ErrAlreadyFinal)
	assert.ErrorIs(t, CheckCancel(PartiallyFilled), ErrIllegalTransition)
}

func TestPath(t *testing.T) {
	path, err := Path(Submitted, Complete)
	require.NoError(t, err)
	assert.Equal(t, []Status{Open, Complete}, path)

	path, err = Path(Pending, PartiallyFilled)
	require.NoError(t, err)
	assert.Equal(t, []Status{Submitted, Open, PartiallyFilled}, path)

	path, err = Path(PartiallyFilled, PartiallyFilled)
	require.NoError(t, err)
	assert.Equal(t, []Status{PartiallyFilled}, path)

	path, err = Path(Open, Open)
	require.NoError(t, err)
	assert.Empty(t, path)

	_, err = Path(Open, Rejected)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	_, err = Path(Complete, Cancelled)
	assert.ErrorIs(t, err, ErrTerminalState)
}

func TestParse(t *testing.T) {
	for _, st := range All() {
		got, err := Parse(string(st))
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}
	_, err := Parse("FILLED")
	assert.ErrorIs(t, err, ErrUnknownStatus)
}
