package formula

import (
	"errors"
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestEval_WeightedScore(t *testing.T) {
	expr, err := Compile("offer.priority*0.6 + profile.engagement_score*0.4")
	if err != nil {
		t.Fatalf("Failed to compile: %v", err)
	}

	got, err := expr.Eval(Vars{"offer.priority": 80, "profile.engagement_score": 90})
	if err != nil {
		t.Fatalf("Failed to evaluate: %v", err)
	}
	if !almostEqual(got, 84) {
		t.Errorf("Expected 84, got %v", got)
	}
}

func TestEval_EqualWeights(t *testing.T) {
	expr, err := Compile("offer.priority*0.5 + profile.engagement_score*0.5")
	if err != nil {
		t.Fatalf("Failed to compile: %v", err)
	}

	got, err := expr.Eval(Vars{"offer.priority": 80, "profile.engagement_score": 60})
	if err != nil {
		t.Fatalf("Failed to evaluate: %v", err)
	}
	if !almostEqual(got, 70) {
		t.Errorf("Expected 70, got %v", got)
	}
}

func TestEval_Precedence(t *testing.T) {
	tests := []struct {
		src  string
		want float64
	}{
		{"1 + 2 * 3", 7},
		{"(1 + 2) * 3", 9},
		{"10 - 4 - 3", 3},
		{"100 / 10 / 2", 5},
		{"-2 * 3", -6},
		{"-(2 + 3) * -1", 5},
		{".5 + 1.25", 1.75},
		{"  42  ", 42},
	}

	for _, tt := range tests {
		expr, err := Compile(tt.src)
		if err != nil {
			t.Fatalf("Compile(%q) failed: %v", tt.src, err)
		}
		got, err := expr.Eval(nil)
		if err != nil {
			t.Fatalf("Eval(%q) failed: %v", tt.src, err)
		}
		if !almostEqual(got, tt.want) {
			t.Errorf("Eval(%q) = %v, want %v", tt.src, got, tt.want)
		}
	}
}

func TestCompile_SyntaxErrors(t *testing.T) {
	tests := []struct {
		src string
		pos int
	}{
		{"", 0},
		{"1 +", 3},
		{"(1 + 2", 6},
		{"offer.priority > 5", 15},
		{"max(1, 2)", 3},
		{"1 2", 2},
		{"offer.priority; drop", 14},
	}

	for _, tt := range tests {
		_, err := Compile(tt.src)
		var syntaxErr *SyntaxError
		if !errors.As(err, &syntaxErr) {
			t.Fatalf("Compile(%q): expected SyntaxError, got %v", tt.src, err)
		}
		if syntaxErr.Pos != tt.pos {
			t.Errorf("Compile(%q): expected position %d, got %d (%v)", tt.src, tt.pos, syntaxErr.Pos, err)
		}
	}
}

func TestEval_UnresolvedIdentifier(t *testing.T) {
	expr, err := Compile("offer.priority + profile.missing")
	if err != nil {
		t.Fatalf("Failed to compile: %v", err)
	}

	_, err = expr.Eval(Vars{"offer.priority": 10})
	var evalErr *EvalError
	if !errors.As(err, &evalErr) {
		t.Fatalf("Expected EvalError, got %v", err)
	}
	if evalErr.Pos != 17 {
		t.Errorf("Expected position 17, got %d", evalErr.Pos)
	}
}

func TestEval_DivisionByZero(t *testing.T) {
	expr, err := Compile("offer.priority / context.weight")
	if err != nil {
		t.Fatalf("Failed to compile: %v", err)
	}

	_, err = expr.Eval(Vars{"offer.priority": 10, "context.weight": 0})
	var evalErr *EvalError
	if !errors.As(err, &evalErr) {
		t.Fatalf("Expected EvalError, got %v", err)
	}
}

func TestIdentifiers(t *testing.T) {
	expr, err := Compile("offer.priority * (context.boost + profile.lead_score)")
	if err != nil {
		t.Fatalf("Failed to compile: %v", err)
	}

	got := expr.Identifiers()
	want := []string{"offer.priority", "context.boost", "profile.lead_score"}
	if len(got) != len(want) {
		t.Fatalf("Expected %d identifiers, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Identifier %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestEnvFunc(t *testing.T) {
	expr, err := Compile("a.b * 2")
	if err != nil {
		t.Fatalf("Failed to compile: %v", err)
	}

	env := EnvFunc(func(name string) (float64, bool) {
		if name == "a.b" {
			return 21, true
		}
		return 0, false
	})
	got, err := expr.Eval(env)
	if err != nil {
		t.Fatalf("Failed to evaluate: %v", err)
	}
	if got != 42 {
		t.Errorf("Expected 42, got %v", got)
	}
}
