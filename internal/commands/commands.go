// Package commands implements the bot's chat commands.
package commands

import (
	"fmt"
	"slices"

	"github.com/hpungsan/grimbot/internal/command"
	"github.com/hpungsan/grimbot/internal/dice"
	"github.com/hpungsan/grimbot/internal/game"
	"github.com/hpungsan/grimbot/internal/store"
)

// Deps are the services handlers use.
type Deps struct {
	Roller     *dice.Roller
	Characters *store.Store[game.Character]
	Groups     *store.Store[game.Group]
	Registry   *command.Registry
	Counter    *command.Counter

	BotName string
	Version string
	Prefix  string
}

// Specs returns every command with its bucket assigned from buckets
// (command name -> bucket id).
func Specs(deps Deps, buckets map[string]string) []command.Spec {
	specs := []command.Spec{
		rollSpec(deps),
		characterSpec(deps),
		groupSpec(deps),
		aboutSpec(deps),
		helpSpec(deps),
		statsSpec(deps),
	}
	for i := range specs {
		specs[i].Bucket = buckets[specs[i].Name]
	}
	return specs
}

// Register adds every command not listed in disabled.
func Register(reg *command.Registry, deps Deps, buckets map[string]string, disabled []string) error {
	for _, spec := range Specs(deps, buckets) {
		if slices.Contains(disabled, spec.Name) {
			continue
		}
		if err := reg.Register(spec); err != nil {
			return fmt.Errorf("register %s: %w", spec.Name, err)
		}
	}
	return nil
}
