package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/hpungsan/grimbot/internal/chat"
	"github.com/hpungsan/grimbot/internal/command"
	"github.com/hpungsan/grimbot/internal/errors"
	"github.com/hpungsan/grimbot/internal/game"
)

const groupUsage = "group <new|show|join|list> ..."

// foundYou is sent privately to a group's creator.
const foundYou = "I've found you"

func groupSpec(deps Deps) command.Spec {
	return command.Spec{
		Name:        "group",
		Description: "Gather players into a group for the next session.",
		Usage:       groupUsage,
		Examples:    []string{"new Crew", "join Crew", "show Crew", "list"},
		Handler: func(ctx context.Context, inv *command.Invocation) (string, error) {
			sub, err := inv.Args.Require(0, "subcommand ("+groupUsage+")")
			if err != nil {
				return "", err
			}
			args := inv.Args.Shift(1)

			switch strings.ToLower(sub) {
			case "new":
				return groupNew(ctx, deps, inv, args)
			case "show":
				return groupShow(ctx, deps, args)
			case "join":
				return groupJoin(ctx, deps, inv, args)
			case "list":
				return groupList(ctx, deps)
			default:
				return "", errors.NewParse(errors.ParseMalformed, fmt.Sprintf("unknown group subcommand %q, usage: %s", sub, groupUsage))
			}
		},
	}
}

func groupNew(ctx context.Context, deps Deps, inv *command.Invocation, args command.Args) (string, error) {
	name, err := args.Require(0, "group name")
	if err != nil {
		return "", err
	}

	err = deps.Groups.Create(ctx, game.Key(name), game.NewGroup(inv.Message.AuthorID, name))
	if errors.Is(err, errors.ErrAlreadyExists) {
		return fmt.Sprintf("A group named %s already exists.", name), nil
	}
	if err != nil {
		return "", err
	}

	if dm, ok := inv.Responder.(chat.DirectMessenger); ok {
		// The group exists either way; a failed DM is not worth failing for.
		_ = dm.DirectMessage(ctx, inv.Message.AuthorID, foundYou)
	}
	return fmt.Sprintf("Group created: %s", name), nil
}

func groupShow(ctx context.Context, deps Deps, args command.Args) (string, error) {
	name, err := args.Require(0, "group name")
	if err != nil {
		return "", err
	}

	g, ok, err := deps.Groups.Get(ctx, game.Key(name))
	if err != nil {
		return "", err
	}
	if !ok {
		return fmt.Sprintf("No group named %s.", name), nil
	}
	return g.Describe(), nil
}

func groupJoin(ctx context.Context, deps Deps, inv *command.Invocation, args command.Args) (string, error) {
	name, err := args.Require(0, "group name")
	if err != nil {
		return "", err
	}

	joined := false
	g, err := deps.Groups.Update(ctx, game.Key(name), func(g game.Group, exists bool) (game.Group, error) {
		if !exists {
			return g, errors.NewNotFound("group", name)
		}
		joined = g.Join(inv.Message.AuthorID)
		return g, nil
	})
	if errors.Is(err, errors.ErrNotFound) {
		return fmt.Sprintf("No group named %s.", name), nil
	}
	if err != nil {
		return "", err
	}

	if !joined {
		return fmt.Sprintf("You are already in %s.", g.Name), nil
	}
	return fmt.Sprintf("Joined %s.", g.Name), nil
}

func groupList(ctx context.Context, deps Deps) (string, error) {
	all, err := deps.Groups.All(ctx)
	if err != nil {
		return "", err
	}
	if len(all) == 0 {
		return "No groups yet.", nil
	}

	keys, err := deps.Groups.Keys(ctx)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		if g, ok := all[k]; ok {
			names = append(names, g.Name)
		}
	}
	return "Groups: " + strings.Join(names, ", "), nil
}
