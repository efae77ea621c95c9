package game

import (
	"encoding/json"
	"errors"
	"fmt"
)

// JSON adapts a plain state type and pure functions into Rules, encoding
// states with encoding/json. Marshaling sorts map keys, so the encoded form
// is canonical and safe to digest. Most games need nothing beyond this.
type JSON[T any] struct {
	// Initial returns the starting state. Required.
	Initial func() T

	// Move returns the state after a move, or an error to reject it.
	// Required.
	Move func(state T, m Move) (T, error)

	// Joined and Left are optional membership hooks. When nil, joins and
	// leaves do not touch the state.
	Joined func(state T, player string) (T, error)
	Left   func(state T, player string) (T, error)
}

func (j JSON[T]) NewState() State {
	if j.Initial == nil {
		var zero T
		return zero
	}
	return j.Initial()
}

func (j JSON[T]) Apply(s State, m Move) (State, error) {
	cur, err := j.assert(s)
	if err != nil {
		return nil, err
	}
	if j.Move == nil {
		return nil, errors.New("game accepts no moves")
	}
	return j.Move(cur, m)
}

func (j JSON[T]) EncodeState(s State) ([]byte, error) {
	cur, err := j.assert(s)
	if err != nil {
		return nil, err
	}
	return json.Marshal(cur)
}

func (j JSON[T]) DecodeState(data []byte) (State, error) {
	var cur T
	if err := json.Unmarshal(data, &cur); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return cur, nil
}

func (j JSON[T]) MemberJoined(s State, player string) (State, error) {
	cur, err := j.assert(s)
	if err != nil {
		return nil, err
	}
	if j.Joined == nil {
		return cur, ErrNoChange
	}
	return j.Joined(cur, player)
}

func (j JSON[T]) MemberLeft(s State, player string) (State, error) {
	cur, err := j.assert(s)
	if err != nil {
		return nil, err
	}
	if j.Left == nil {
		return cur, ErrNoChange
	}
	return j.Left(cur, player)
}

func (j JSON[T]) assert(s State) (T, error) {
	cur, ok := s.(T)
	if !ok {
		return cur, fmt.Errorf("state is %T, want %T", s, cur)
	}
	return cur, nil
}
