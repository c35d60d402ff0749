package commands

import (
	"context"

	"github.com/hpungsan/grimbot/internal/command"
)

func rollSpec(deps Deps) command.Spec {
	return command.Spec{
		Name:        "roll",
		Aliases:     []string{"r"},
		Description: "Roll for XdX dice, or give just a number to roll in the Between Clouds system. Add 'kirin' to roll as a kirin.",
		Usage:       "roll <NdS | N [player|kirin]>",
		Examples:    []string{"3d6", "4", "8 kirin"},
		Handler: func(_ context.Context, inv *command.Invocation) (string, error) {
			out, err := deps.Roller.Roll(inv.Args.Rest(0))
			if err != nil {
				return "", err
			}
			return "Roll Result: " + out.String(), nil
		},
	}
}
