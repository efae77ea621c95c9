package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mousefox/mousefox/game"
)

// demoState is the built-in counter game, there so a fresh install can be
// poked end to end before any real game exists. Every member may click;
// clicks are tallied per player.
type demoState struct {
	Clicks  map[string]int `json:"clicks"`
	Players []string       `json:"players"`
}

type demoMove struct {
	Op string `json:"op"`
}

func (s demoState) clone() demoState {
	next := demoState{
		Clicks:  make(map[string]int, len(s.Clicks)),
		Players: append([]string(nil), s.Players...),
	}
	for k, v := range s.Clicks {
		next.Clicks[k] = v
	}
	return next
}

func demoRules() game.Rules {
	return game.JSON[demoState]{
		Initial: func() demoState {
			return demoState{Clicks: map[string]int{}}
		},
		Move: func(s demoState, m game.Move) (demoState, error) {
			var mv demoMove
			if err := json.Unmarshal(m.Data, &mv); err != nil {
				return s, fmt.Errorf("malformed move: %w", err)
			}
			if mv.Op != "click" {
				return s, fmt.Errorf("unknown op %q", mv.Op)
			}
			next := s.clone()
			next.Clicks[m.Player]++
			return next, nil
		},
		Joined: func(s demoState, player string) (demoState, error) {
			next := s.clone()
			next.Players = append(next.Players, player)
			sort.Strings(next.Players)
			return next, nil
		},
		Left: func(s demoState, player string) (demoState, error) {
			next := s.clone()
			kept := next.Players[:0]
			for _, p := range next.Players {
				if p != player {
					kept = append(kept, p)
				}
			}
			next.Players = kept
			return next, nil
		},
	}
}
