package errors

import (
	"fmt"
	"io"
	"testing"
	"time"
)

func TestBotError_Error(t *testing.T) {
	err := &BotError{
		Code:    ErrNotFound,
		Message: "command not found: dance",
	}

	expected := "NOT_FOUND: command not found: dance"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestNewParse(t *testing.T) {
	err := NewParse(ParseMalformed, "expected NdS")

	if err.Code != ErrParse {
		t.Errorf("Code = %q, want %q", err.Code, ErrParse)
	}
	if err.Kind() != ParseMalformed {
		t.Errorf("Kind() = %q, want %q", err.Kind(), ParseMalformed)
	}
	if err.Message != "expected NdS" {
		t.Errorf("Message = %q, want %q", err.Message, "expected NdS")
	}
}

func TestNewOutOfRange(t *testing.T) {
	err := NewOutOfRange("dice count", 500, 1, 100)

	if err.Kind() != ParseOutOfRange {
		t.Errorf("Kind() = %q, want %q", err.Kind(), ParseOutOfRange)
	}
	if err.Details["max"] != 100 {
		t.Errorf("Details[max] = %v, want 100", err.Details["max"])
	}
	if err.Message != "dice count must be between 1 and 100, got 500" {
		t.Errorf("Message = %q", err.Message)
	}
	if err.Details["value"] != 500 {
		t.Errorf("Details[value] = %v, want 500", err.Details["value"])
	}
}

func TestNewUnknownMode(t *testing.T) {
	err := NewUnknownMode("dragon")

	if err.Kind() != ParseUnknownMode {
		t.Errorf("Kind() = %q, want %q", err.Kind(), ParseUnknownMode)
	}
	if err.Details["mode"] != "dragon" {
		t.Errorf("Details[mode] = %v, want %q", err.Details["mode"], "dragon")
	}
}

func TestNewRateLimited(t *testing.T) {
	err := NewRateLimited("dice", 4*time.Second)

	if err.Code != ErrRateLimited {
		t.Errorf("Code = %q, want %q", err.Code, ErrRateLimited)
	}
	if err.Details["retry_after"] != 4*time.Second {
		t.Errorf("Details[retry_after] = %v, want 4s", err.Details["retry_after"])
	}
}

func TestKind_NonParse(t *testing.T) {
	err := NewVetoed("roll")
	if err.Kind() != "" {
		t.Errorf("Kind() = %q, want empty", err.Kind())
	}
	if (&BotError{Code: ErrInternal}).Kind() != "" {
		t.Error("Kind() on nil details should be empty")
	}
}

func TestNewStoreIO_Unwrap(t *testing.T) {
	err := NewStoreIO("characters", io.ErrUnexpectedEOF)

	if err.Code != ErrStoreIO {
		t.Errorf("Code = %q, want %q", err.Code, ErrStoreIO)
	}
	if err.Unwrap() != io.ErrUnexpectedEOF {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), io.ErrUnexpectedEOF)
	}
	if err.Details["store"] != "characters" {
		t.Errorf("Details[store] = %v, want %q", err.Details["store"], "characters")
	}
}

func TestNewHandler_NilCause(t *testing.T) {
	err := NewHandler("group", nil)
	if err.Message != "handler failed" {
		t.Errorf("Message = %q, want %q", err.Message, "handler failed")
	}
}

func TestNewInternal(t *testing.T) {
	err := NewInternal(fmt.Errorf("boom"))
	if err.Code != ErrInternal {
		t.Errorf("Code = %q, want %q", err.Code, ErrInternal)
	}
	if err.Message != "boom" {
		t.Errorf("Message = %q, want %q", err.Message, "boom")
	}

	err = NewInternal(nil)
	if err.Message != "internal error" {
		t.Errorf("Message = %q, want %q", err.Message, "internal error")
	}
}

func TestIs(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"matching code", NewCorruptData("groups", io.EOF), ErrCorruptData, true},
		{"different code", NewCorruptData("groups", io.EOF), ErrStoreIO, false},
		{"wrapped", fmt.Errorf("save: %w", NewStoreIO("groups", io.EOF)), ErrStoreIO, true},
		{"plain error", io.EOF, ErrInternal, false},
		{"nil", nil, ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAs(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", NewAlreadyExists("character", "Zara"))

	bErr, ok := As(wrapped)
	if !ok {
		t.Fatal("As() ok = false, want true")
	}
	if bErr.Code != ErrAlreadyExists {
		t.Errorf("Code = %q, want %q", bErr.Code, ErrAlreadyExists)
	}

	if _, ok := As(io.EOF); ok {
		t.Error("As(io.EOF) ok = true, want false")
	}
}
