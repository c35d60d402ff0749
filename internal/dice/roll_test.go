package dice

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hpungsan/grimbot/internal/errors"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		expr string
		want Expression
	}{
		{"straight", "3d6", Expression{Count: 3, Sides: 6, Mode: ModeStraight}},
		{"straight upper case", "2D20", Expression{Count: 2, Sides: 20, Mode: ModeStraight}},
		{"implicit one die", "d8", Expression{Count: 1, Sides: 8, Mode: ModeStraight}},
		{"pool default mode", "4", Expression{Count: 4, Sides: 6, Mode: ModePlayer}},
		{"pool player", "4 player", Expression{Count: 4, Sides: 6, Mode: ModePlayer}},
		{"pool kirin mixed case", "8 KiRin", Expression{Count: 8, Sides: 6, Mode: ModeKirin}},
		{"empty pool", "0", Expression{Count: 0, Sides: 6, Mode: ModePlayer}},
		{"surrounding space", "  5   kirin ", Expression{Count: 5, Sides: 6, Mode: ModeKirin}},
		{"max dice", "100", Expression{Count: 100, Sides: 6, Mode: ModePlayer}},
		{"max sides", "1d1000", Expression{Count: 1, Sides: 1000, Mode: ModeStraight}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.expr, 100)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.expr, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tt.expr, diff)
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		expr string
		kind errors.ParseKind
	}{
		{"empty", "", errors.ParseMissingArgument},
		{"blank", "   ", errors.ParseMissingArgument},
		{"not a number", "lots", errors.ParseMalformed},
		{"bad sides", "3dx", errors.ParseMalformed},
		{"bad count", "xd6", errors.ParseMalformed},
		{"double d", "3d6d2", errors.ParseMalformed},
		{"straight with mode", "3d6 kirin", errors.ParseMalformed},
		{"too many words", "4 kirin now", errors.ParseMalformed},
		{"unknown mode", "4 dragon", errors.ParseUnknownMode},
		{"straight is not a pool mode", "4 straight", errors.ParseUnknownMode},
		{"zero straight dice", "0d6", errors.ParseOutOfRange},
		{"zero sides", "2d0", errors.ParseOutOfRange},
		{"too many sides", "1d1001", errors.ParseOutOfRange},
		{"too many straight dice", "101d6", errors.ParseOutOfRange},
		{"too many pool dice", "101", errors.ParseOutOfRange},
		{"negative pool", "-3", errors.ParseOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.expr, 100)
			if err == nil {
				t.Fatalf("Parse(%q) expected error, got nil", tt.expr)
			}
			bErr, ok := errors.As(err)
			if !ok {
				t.Fatalf("Parse(%q) error type = %T, want *BotError", tt.expr, err)
			}
			if bErr.Code != errors.ErrParse {
				t.Errorf("Code = %q, want %q", bErr.Code, errors.ErrParse)
			}
			if bErr.Kind() != tt.kind {
				t.Errorf("Kind() = %q, want %q", bErr.Kind(), tt.kind)
			}
		})
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name  string
		rolls []int
		sides int
		mode  Mode
		want  int
	}{
		{"player counts sixes", []int{6, 5, 6, 1}, 6, ModePlayer, 2},
		{"kirin counts fives and sixes", []int{6, 5, 6, 1}, 6, ModeKirin, 3},
		{"no successes", []int{1, 2, 3, 4}, 6, ModePlayer, 0},
		{"straight never scores", []int{6, 6}, 6, ModeStraight, 0},
		{"empty pool", nil, 6, ModeKirin, 0},
		{"kirin on d1", []int{1, 1}, 1, ModeKirin, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(tt.rolls, tt.sides, tt.mode); got != tt.want {
				t.Errorf("Score() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestOutcome_String(t *testing.T) {
	tests := []struct {
		name string
		out  Outcome
		want string
	}{
		{
			"straight",
			Outcome{Expression: Expression{Count: 3, Sides: 6, Mode: ModeStraight}, Rolls: []int{4, 1, 6}, Total: 11},
			"[4, 1, 6] = 11",
		},
		{"one success", Outcome{Expression: Expression{Mode: ModePlayer}, Successes: 1}, "1 Success Rolled"},
		{"many successes", Outcome{Expression: Expression{Mode: ModeKirin}, Successes: 3}, "3 Successes Rolled"},
		{"zero successes", Outcome{Expression: Expression{Mode: ModePlayer}}, "0 Successes Rolled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.out.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRoller_Deterministic(t *testing.T) {
	a := NewRoller(42, 100)
	b := NewRoller(42, 100)

	for i := 0; i < 10; i++ {
		outA, err := a.Roll("6d20")
		if err != nil {
			t.Fatalf("Roll() error = %v", err)
		}
		outB, err := b.Roll("6d20")
		if err != nil {
			t.Fatalf("Roll() error = %v", err)
		}
		if diff := cmp.Diff(outA, outB); diff != "" {
			t.Fatalf("same seed diverged (-a +b):\n%s", diff)
		}
	}
}

func TestRoller_RangeAndTotals(t *testing.T) {
	r := NewRoller(7, 100)

	for i := 0; i < 200; i++ {
		out, err := r.Roll("10d4")
		if err != nil {
			t.Fatalf("Roll() error = %v", err)
		}
		if len(out.Rolls) != 10 {
			t.Fatalf("len(Rolls) = %d, want 10", len(out.Rolls))
		}
		sum := 0
		for _, v := range out.Rolls {
			if v < 1 || v > 4 {
				t.Fatalf("roll %d out of range [1, 4]", v)
			}
			sum += v
		}
		if sum != out.Total {
			t.Fatalf("Total = %d, want %d", out.Total, sum)
		}
	}
}

func TestRoller_PoolSuccessesMatchRolls(t *testing.T) {
	r := NewRoller(99, 100)

	out, err := r.Roll("30 kirin")
	if err != nil {
		t.Fatalf("Roll() error = %v", err)
	}
	if got := Score(out.Rolls, 6, ModeKirin); got != out.Successes {
		t.Errorf("Successes = %d, want %d", out.Successes, got)
	}
	if out.String() != Phrase(out.Successes) {
		t.Errorf("String() = %q, want %q", out.String(), Phrase(out.Successes))
	}
}

func TestRoller_EmptyPool(t *testing.T) {
	r := NewRoller(1, 100)

	out, err := r.Roll("0")
	if err != nil {
		t.Fatalf("Roll() error = %v", err)
	}
	if len(out.Rolls) != 0 || out.Successes != 0 {
		t.Errorf("Roll(0) = %+v, want no dice and no successes", out)
	}
	if out.String() != "0 Successes Rolled" {
		t.Errorf("String() = %q, want %q", out.String(), "0 Successes Rolled")
	}
}

func TestRoller_RespectsMaxDice(t *testing.T) {
	r := NewRoller(1, 5)
	if r.MaxDice() != 5 {
		t.Fatalf("MaxDice() = %d, want 5", r.MaxDice())
	}
	if _, err := r.Roll("6"); !errors.Is(err, errors.ErrParse) {
		t.Errorf("Roll(6) error = %v, want PARSE_ERROR", err)
	}
}

func TestRoller_Concurrent(t *testing.T) {
	r := NewRoller(3, 100)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := r.Roll("3d6"); err != nil {
					t.Errorf("Roll() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestNewRandomRoller(t *testing.T) {
	r, err := NewRandomRoller(100)
	if err != nil {
		t.Fatalf("NewRandomRoller() error = %v", err)
	}
	if _, err := r.Roll("2d6"); err != nil {
		t.Errorf("Roll() error = %v", err)
	}
}
