package commands

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/hpungsan/grimbot/internal/command"
	"github.com/hpungsan/grimbot/internal/errors"
	"github.com/hpungsan/grimbot/internal/game"
)

const characterUsage = "character <new|show|set|role|mutate|list> ..."

var errNotOwner = stderrors.New("not the owner")

func characterSpec(deps Deps) command.Spec {
	return command.Spec{
		Name:        "character",
		Aliases:     []string{"char"},
		Description: "Create and edit symbiote character sheets.",
		Usage:       characterUsage,
		Examples: []string{
			"new Zara",
			"show Zara",
			"set Zara grit 3",
			"role Zara scout",
			`mutate Zara skin "hard as bark"`,
			"list",
		},
		Handler: func(ctx context.Context, inv *command.Invocation) (string, error) {
			sub, err := inv.Args.Require(0, "subcommand ("+characterUsage+")")
			if err != nil {
				return "", err
			}
			args := inv.Args.Shift(1)

			switch strings.ToLower(sub) {
			case "new":
				return characterNew(ctx, deps, inv, args)
			case "show":
				return characterShow(ctx, deps, args)
			case "set":
				return characterSet(ctx, deps, inv, args)
			case "role":
				return characterRole(ctx, deps, inv, args)
			case "mutate":
				return characterMutate(ctx, deps, inv, args)
			case "list":
				return characterList(ctx, deps)
			default:
				return "", errors.NewParse(errors.ParseMalformed, fmt.Sprintf("unknown character subcommand %q, usage: %s", sub, characterUsage))
			}
		},
	}
}

func characterNew(ctx context.Context, deps Deps, inv *command.Invocation, args command.Args) (string, error) {
	name, err := args.Require(0, "character name")
	if err != nil {
		return "", err
	}

	err = deps.Characters.Create(ctx, game.Key(name), game.NewCharacter(inv.Message.AuthorID, name))
	if errors.Is(err, errors.ErrAlreadyExists) {
		return fmt.Sprintf("A character named %s already exists.", name), nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Character %s created.", name), nil
}

func characterShow(ctx context.Context, deps Deps, args command.Args) (string, error) {
	name, err := args.Require(0, "character name")
	if err != nil {
		return "", err
	}

	c, ok, err := deps.Characters.Get(ctx, game.Key(name))
	if err != nil {
		return "", err
	}
	if !ok {
		return fmt.Sprintf("No character named %s.", name), nil
	}
	return c.Describe(), nil
}

func characterList(ctx context.Context, deps Deps) (string, error) {
	all, err := deps.Characters.All(ctx)
	if err != nil {
		return "", err
	}
	if len(all) == 0 {
		return "No characters yet.", nil
	}

	keys, err := deps.Characters.Keys(ctx)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		if c, ok := all[k]; ok {
			names = append(names, c.Name)
		}
	}
	return "Characters: " + strings.Join(names, ", "), nil
}

func characterSet(ctx context.Context, deps Deps, inv *command.Invocation, args command.Args) (string, error) {
	name, err := args.Require(0, "character name")
	if err != nil {
		return "", err
	}
	attr, err := args.Require(1, "attribute")
	if err != nil {
		return "", err
	}
	value, err := args.Uint32(2, "value")
	if err != nil {
		return "", err
	}

	attr = strings.ToLower(attr)
	return editCharacter(ctx, deps, inv, name, func(c *game.Character) string {
		c.Attributes[attr] = value
		return fmt.Sprintf("%s's %s is now %d.", c.Name, attr, value)
	})
}

func characterRole(ctx context.Context, deps Deps, inv *command.Invocation, args command.Args) (string, error) {
	name, err := args.Require(0, "character name")
	if err != nil {
		return "", err
	}
	if _, err := args.Require(1, "role"); err != nil {
		return "", err
	}
	role := args.Rest(1)

	return editCharacter(ctx, deps, inv, name, func(c *game.Character) string {
		c.Role = role
		return fmt.Sprintf("%s is now a %s.", c.Name, role)
	})
}

func characterMutate(ctx context.Context, deps Deps, inv *command.Invocation, args command.Args) (string, error) {
	name, err := args.Require(0, "character name")
	if err != nil {
		return "", err
	}
	mutation, err := args.Require(1, "mutation")
	if err != nil {
		return "", err
	}
	if _, err := args.Require(2, "mutation effect"); err != nil {
		return "", err
	}
	effect := args.Rest(2)

	return editCharacter(ctx, deps, inv, name, func(c *game.Character) string {
		c.Mutations[mutation] = effect
		return fmt.Sprintf("%s gained mutation %s.", c.Name, mutation)
	})
}

// editCharacter applies edit to the caller's own character as one store
// update and returns edit's reply.
func editCharacter(ctx context.Context, deps Deps, inv *command.Invocation, name string, edit func(*game.Character) string) (string, error) {
	var reply string
	_, err := deps.Characters.Update(ctx, game.Key(name), func(c game.Character, exists bool) (game.Character, error) {
		if !exists {
			return c, errors.NewNotFound("character", name)
		}
		if c.Owner != inv.Message.AuthorID {
			return c, errNotOwner
		}
		reply = edit(&c)
		return c, nil
	})

	switch {
	case errors.Is(err, errors.ErrNotFound):
		return fmt.Sprintf("No character named %s.", name), nil
	case stderrors.Is(err, errNotOwner):
		return fmt.Sprintf("Only the owner can change %s.", name), nil
	case err != nil:
		return "", err
	}
	return reply, nil
}
