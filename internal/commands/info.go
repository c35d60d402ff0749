package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hpungsan/grimbot/internal/command"
)

// maxSuggestDistance bounds "did you mean" suggestions in help.
const maxSuggestDistance = 3

func aboutSpec(deps Deps) command.Spec {
	return command.Spec{
		Name:        "about",
		Description: "Check that the bot is responding.",
		Usage:       "about",
		Handler: func(context.Context, *command.Invocation) (string, error) {
			return fmt.Sprintf("Responding. %s version %s.", deps.BotName, deps.Version), nil
		},
	}
}

func helpSpec(deps Deps) command.Spec {
	return command.Spec{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "List commands, or show details for one.",
		Usage:       "help [command]",
		Examples:    []string{"", "roll"},
		Handler: func(_ context.Context, inv *command.Invocation) (string, error) {
			if inv.Args.Len() == 0 {
				return helpListing(deps), nil
			}
			name := inv.Args.At(0)
			spec, ok := deps.Registry.Lookup(name)
			if !ok {
				reply := fmt.Sprintf("Could not find: '%s'.", name)
				if s := suggest(deps.Registry, name); s != "" {
					reply += fmt.Sprintf(" Did you mean '%s'?", s)
				}
				return reply, nil
			}
			return helpDetail(deps, spec), nil
		},
	}
}

func statsSpec(deps Deps) command.Spec {
	return command.Spec{
		Name:        "stats",
		Description: "Show how often each command has run.",
		Usage:       "stats",
		Handler: func(context.Context, *command.Invocation) (string, error) {
			counts := deps.Counter.Snapshot()
			if len(counts) == 0 {
				return "No commands run yet.", nil
			}
			names := make([]string, 0, len(counts))
			for name := range counts {
				names = append(names, name)
			}
			sort.Strings(names)

			parts := make([]string, len(names))
			for i, name := range names {
				parts[i] = fmt.Sprintf("%s: %d", name, counts[name])
			}
			return "Commands run: " + strings.Join(parts, ", "), nil
		},
	}
}

func helpListing(deps Deps) string {
	var b strings.Builder
	fmt.Fprintf(&b, " %s %s responding. Pass a command as an argument for more details", deps.BotName, deps.Version)
	for _, s := range deps.Registry.Specs() {
		fmt.Fprintf(&b, "\n+ %s%s: %s", deps.Prefix, s.Name, s.Description)
	}
	return b.String()
}

func helpDetail(deps Deps, s command.Spec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%s: %s", deps.Prefix, s.Name, s.Description)
	if s.Usage != "" {
		fmt.Fprintf(&b, "\nUsage: %s%s", deps.Prefix, s.Usage)
	}
	if len(s.Aliases) > 0 {
		fmt.Fprintf(&b, "\nAliases: %s", strings.Join(s.Aliases, ", "))
	}
	for _, ex := range s.Examples {
		fmt.Fprintf(&b, "\nExample: %s%s", deps.Prefix, strings.TrimSpace(s.Name+" "+ex))
	}
	return b.String()
}

// suggest returns the closest command name within maxSuggestDistance.
func suggest(reg *command.Registry, name string) string {
	best, bestDist := "", maxSuggestDistance+1
	name = strings.ToLower(name)
	for _, s := range reg.Specs() {
		for _, candidate := range append([]string{s.Name}, s.Aliases...) {
			if d := levenshtein(name, strings.ToLower(candidate)); d < bestDist {
				best, bestDist = s.Name, d
			}
		}
	}
	return best
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
