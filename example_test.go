package mousefox_test

import (
	"context"
	"fmt"

	"github.com/mousefox/mousefox"
	"github.com/mousefox/mousefox/client"
	"github.com/mousefox/mousefox/game"
)

// tapGame is the whole of a game implementation: a shared counter anyone can
// advance. Everything else (hosting, membership, synchronization) comes from
// the scaffolding.
type tapGame struct {
	Taps int `json:"taps"`
}

func Example() {
	rules := game.JSON[tapGame]{
		Initial: func() tapGame { return tapGame{} },
		Move: func(s tapGame, m game.Move) (tapGame, error) {
			s.Taps++
			return s, nil
		},
	}

	ctx := context.Background()
	cl, srv, err := mousefox.Local(ctx, rules, mousefox.LocalConfig{Username: "ada"})
	if err != nil {
		panic(err)
	}
	defer srv.Shutdown("example over")

	if err := cl.CreateGame(ctx, client.GameConfig{Name: "taps"}); err != nil {
		panic(err)
	}
	rev, err := cl.Submit(ctx, map[string]string{})
	if err != nil {
		panic(err)
	}
	fmt.Println("tapped at revision", rev)
	// Output: tapped at revision 1
}
