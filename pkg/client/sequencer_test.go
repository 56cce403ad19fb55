package client

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egorzamaraev/atomix/pkg/future"
	"github.com/egorzamaraev/atomix/pkg/rafterrors"
)

func newSequencerFixture() (*Sequencer, *SessionState) {
	state := NewSessionState(1, time.Second)
	return NewSequencer(state), state
}

// Scenario: two commands, responses arrive in reverse order, futures complete
// in submission order with the right payloads.
func TestSequencer_ResequencesCommandResponses(t *testing.T) {
	seq, state := newSequencerFixture()

	fut1 := future.New[[]byte]()
	fut2 := future.New[[]byte]()
	seq.RegisterCommand(state.NextCommandRequest(), fut1)
	seq.RegisterCommand(state.NextCommandRequest(), fut2)

	// ответ на вторую команду приходит первым
	seq.SequenceCommand(2, 10, []byte("Hello world again!"), nil)

	assert.False(t, fut1.IsDone())
	assert.False(t, fut2.IsDone())
	assert.EqualValues(t, 0, state.CommandResponse())
	assert.EqualValues(t, 1, state.ResponseIndex())

	seq.SequenceCommand(1, 9, []byte("Hello world!"), nil)

	require.True(t, fut1.IsDone())
	require.True(t, fut2.IsDone())

	out1, err := fut1.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello world!"), out1)

	out2, err := fut2.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello world again!"), out2)

	assert.EqualValues(t, 2, state.CommandResponse())
	assert.EqualValues(t, 10, state.ResponseIndex())
}

// Property: for any arrival order, delivered futures always form the prefix
// 1..commandResponse of the submission order.
func TestSequencer_ArbitraryArrivalOrder(t *testing.T) {
	const n = 25
	seq, state := newSequencerFixture()

	futs := make([]*future.Future[[]byte], n)
	for i := 0; i < n; i++ {
		futs[i] = future.New[[]byte]()
		seq.RegisterCommand(state.NextCommandRequest(), futs[i])
	}

	rng := rand.New(rand.NewSource(42))
	order := rng.Perm(n)

	for _, i := range order {
		s := uint64(i + 1)
		seq.SequenceCommand(s, s+100, []byte(fmt.Sprintf("result-%d", s)), nil)

		// инвариант: завершён ровно префикс
		delivered := state.CommandResponse()
		for j := 0; j < n; j++ {
			if uint64(j+1) <= delivered {
				assert.True(t, futs[j].IsDone(), "future %d must be done at commandResponse=%d", j+1, delivered)
			} else {
				assert.False(t, futs[j].IsDone(), "future %d must not be done at commandResponse=%d", j+1, delivered)
			}
		}
	}

	assert.EqualValues(t, n, state.CommandResponse())
	for i, fut := range futs {
		out, err := fut.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("result-%d", i+1), string(out))
	}
}

// A failed command response still advances the line.
func TestSequencer_CommandErrorAdvances(t *testing.T) {
	seq, state := newSequencerFixture()

	fut1 := future.New[[]byte]()
	fut2 := future.New[[]byte]()
	seq.RegisterCommand(state.NextCommandRequest(), fut1)
	seq.RegisterCommand(state.NextCommandRequest(), fut2)

	seq.SequenceCommand(1, 9, nil, rafterrors.ErrCommandFailure)
	seq.SequenceCommand(2, 10, []byte("ok"), nil)

	_, err := fut1.Get(context.Background())
	assert.ErrorIs(t, err, rafterrors.ErrCommandFailure)

	out, err := fut2.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), out)
	assert.EqualValues(t, 2, state.CommandResponse())
}

// Queries deliver FIFO among themselves even when their responses arrive
// reversed.
func TestSequencer_ResequencesQueryResponses(t *testing.T) {
	seq, state := newSequencerFixture()

	fut1 := future.New[[]byte]()
	fut2 := future.New[[]byte]()
	q1 := seq.RegisterQuery(state.CommandRequest(), fut1)
	q2 := seq.RegisterQuery(state.CommandRequest(), fut2)

	seq.SequenceQuery(q2, 10, []byte("Hello world again!"), nil)

	assert.False(t, fut1.IsDone())
	assert.False(t, fut2.IsDone())
	assert.EqualValues(t, 1, state.ResponseIndex())

	seq.SequenceQuery(q1, 9, []byte("Hello world!"), nil)

	require.True(t, fut1.IsDone())
	require.True(t, fut2.IsDone())

	out1, _ := fut1.Get(context.Background())
	out2, _ := fut2.Get(context.Background())
	assert.Equal(t, []byte("Hello world!"), out1)
	assert.Equal(t, []byte("Hello world again!"), out2)
	assert.EqualValues(t, 10, state.ResponseIndex())
}

// Scenario: a failed first query must not block the second one.
func TestSequencer_SkipsFailedQuery(t *testing.T) {
	seq, state := newSequencerFixture()

	fut1 := future.New[[]byte]()
	fut2 := future.New[[]byte]()
	q1 := seq.RegisterQuery(state.CommandRequest(), fut1)
	q2 := seq.RegisterQuery(state.CommandRequest(), fut2)

	seq.SequenceQuery(q1, 0, nil, rafterrors.ErrQueryFailure)
	seq.SequenceQuery(q2, 10, []byte("Hello world!"), nil)

	_, err := fut1.Get(context.Background())
	assert.ErrorIs(t, err, rafterrors.ErrQueryFailure)

	out, err := fut2.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello world!"), out)
	assert.EqualValues(t, 10, state.ResponseIndex())
}

// A query submitted after a command completes only once the command has been
// delivered.
func TestSequencer_QueryWaitsForPrecedingCommand(t *testing.T) {
	seq, state := newSequencerFixture()

	cmdFut := future.New[[]byte]()
	seq.RegisterCommand(state.NextCommandRequest(), cmdFut)

	queryFut := future.New[[]byte]()
	q := seq.RegisterQuery(state.CommandRequest(), queryFut)

	// ответ запроса пришёл раньше ответа команды
	seq.SequenceQuery(q, 10, []byte("query"), nil)
	assert.False(t, queryFut.IsDone(), "query must wait behind its barrier command")

	seq.SequenceCommand(1, 9, []byte("command"), nil)

	require.True(t, cmdFut.IsDone())
	require.True(t, queryFut.IsDone())
	assert.EqualValues(t, 10, state.ResponseIndex())
}

func TestSequencer_FailAll(t *testing.T) {
	seq, state := newSequencerFixture()

	cmdFut := future.New[[]byte]()
	seq.RegisterCommand(state.NextCommandRequest(), cmdFut)
	queryFut := future.New[[]byte]()
	seq.RegisterQuery(state.CommandRequest(), queryFut)

	seq.FailAll(rafterrors.ErrUnknownSession)

	_, err := cmdFut.Get(context.Background())
	assert.ErrorIs(t, err, rafterrors.ErrUnknownSession)
	_, err = queryFut.Get(context.Background())
	assert.ErrorIs(t, err, rafterrors.ErrUnknownSession)

	// поздний ответ на уже проваленную команду просто игнорируется
	seq.SequenceCommand(1, 9, []byte("late"), nil)
}
