// Package dice parses and scores roll expressions for the Between Clouds
// ruleset.
//
// Two surface forms are accepted:
//
//	3d6        three six-sided dice, summed ("straight")
//	4          four d6 scored by counting sixes ("player")
//	8 kirin    eight d6 scored by counting fives and sixes
//
// Rolls are fair but not unpredictable: a math/rand source seeded from
// crypto/rand backs every Roller.
package dice

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"

	"github.com/hpungsan/grimbot/internal/errors"
)

// DefaultSides is the die used by the success-pool form.
const DefaultSides = 6

// MaxSides bounds the S of an NdS expression.
const MaxSides = 1000

// Mode selects how a roll is scored.
type Mode string

const (
	ModeStraight Mode = "straight"
	ModePlayer   Mode = "player"
	ModeKirin    Mode = "kirin"
)

// Expression is a parsed roll request.
type Expression struct {
	Count int
	Sides int
	Mode  Mode
}

// Outcome is the result of rolling an Expression.
type Outcome struct {
	Expression
	Rolls     []int
	Total     int
	Successes int
}

// String renders the outcome the way it is shown in chat:
// "[4, 1, 6] = 11" for straight rolls, "2 Successes Rolled" for pools.
func (o Outcome) String() string {
	if o.Mode == ModeStraight {
		return fmt.Sprintf("%s = %d", formatRolls(o.Rolls), o.Total)
	}
	return Phrase(o.Successes)
}

// Phrase words a success count: singular only for exactly one.
func Phrase(successes int) string {
	if successes == 1 {
		return "1 Success Rolled"
	}
	return fmt.Sprintf("%d Successes Rolled", successes)
}

// Parse validates expr against the accepted forms. maxDice bounds the count.
func Parse(expr string, maxDice int) (Expression, error) {
	fields := strings.Fields(expr)
	if len(fields) == 0 {
		return Expression{}, errors.NewParse(errors.ParseMissingArgument, "roll needs an expression such as 3d6, 4 or 8 kirin")
	}

	head := strings.ToLower(fields[0])
	if strings.Contains(head, "d") {
		if len(fields) > 1 {
			return Expression{}, errors.NewParse(errors.ParseMalformed, fmt.Sprintf("%q takes no mode", fields[0]))
		}
		return parseStraight(head, maxDice)
	}

	count, err := strconv.Atoi(head)
	if err != nil {
		return Expression{}, errors.NewParse(errors.ParseMalformed, fmt.Sprintf("%q is not a dice count", fields[0]))
	}
	if count < 0 || count > maxDice {
		return Expression{}, errors.NewOutOfRange("dice count", count, 0, maxDice)
	}

	mode := ModePlayer
	switch len(fields) {
	case 1:
	case 2:
		switch m := Mode(strings.ToLower(fields[1])); m {
		case ModePlayer, ModeKirin:
			mode = m
		default:
			return Expression{}, errors.NewUnknownMode(fields[1])
		}
	default:
		return Expression{}, errors.NewParse(errors.ParseMalformed, "expected a dice count and at most one mode")
	}

	return Expression{Count: count, Sides: DefaultSides, Mode: mode}, nil
}

func parseStraight(head string, maxDice int) (Expression, error) {
	countStr, sidesStr, _ := strings.Cut(head, "d")

	// "d20" means one die.
	count := 1
	if countStr != "" {
		n, err := strconv.Atoi(countStr)
		if err != nil {
			return Expression{}, errors.NewParse(errors.ParseMalformed, fmt.Sprintf("%q is not a dice count", countStr))
		}
		count = n
	}
	sides, err := strconv.Atoi(sidesStr)
	if err != nil {
		return Expression{}, errors.NewParse(errors.ParseMalformed, fmt.Sprintf("%q is not a number of sides", sidesStr))
	}

	if count < 1 || count > maxDice {
		return Expression{}, errors.NewOutOfRange("dice count", count, 1, maxDice)
	}
	if sides < 1 || sides > MaxSides {
		return Expression{}, errors.NewOutOfRange("sides", sides, 1, MaxSides)
	}

	return Expression{Count: count, Sides: sides, Mode: ModeStraight}, nil
}

// Score counts successes for the pool modes. Straight rolls score zero.
func Score(rolls []int, sides int, mode Mode) int {
	successes := 0
	for _, r := range rolls {
		switch mode {
		case ModePlayer:
			if r == sides {
				successes++
			}
		case ModeKirin:
			if r == sides || (sides > 1 && r == sides-1) {
				successes++
			}
		}
	}
	return successes
}

// Roller rolls expressions. It is safe for concurrent use.
type Roller struct {
	mu      sync.Mutex
	rng     *rand.Rand
	maxDice int
}

// NewRoller creates a Roller with a deterministic seed.
func NewRoller(seed int64, maxDice int) *Roller {
	return &Roller{
		rng:     rand.New(rand.NewSource(seed)),
		maxDice: maxDice,
	}
}

// NewRandomRoller creates a Roller seeded from crypto/rand.
func NewRandomRoller(maxDice int) (*Roller, error) {
	seed, err := NewSeed()
	if err != nil {
		return nil, err
	}
	return NewRoller(seed, maxDice), nil
}

// MaxDice returns the configured dice count ceiling.
func (r *Roller) MaxDice() int {
	return r.maxDice
}

// Roll parses and rolls expr.
func (r *Roller) Roll(expr string) (Outcome, error) {
	e, err := Parse(expr, r.maxDice)
	if err != nil {
		return Outcome{}, err
	}
	return r.RollExpression(e), nil
}

// RollExpression rolls an already validated expression.
func (r *Roller) RollExpression(e Expression) Outcome {
	rolls := r.draw(e.Count, e.Sides)

	total := 0
	for _, v := range rolls {
		total += v
	}

	return Outcome{
		Expression: e,
		Rolls:      rolls,
		Total:      total,
		Successes:  Score(rolls, e.Sides, e.Mode),
	}
}

// draw returns count independent values uniform over [1, sides].
func (r *Roller) draw(count, sides int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rolls := make([]int, count)
	for i := range rolls {
		rolls[i] = r.rng.Intn(sides) + 1
	}
	return rolls
}

func formatRolls(rolls []int) string {
	parts := make([]string, len(rolls))
	for i, v := range rolls {
		parts[i] = strconv.Itoa(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
