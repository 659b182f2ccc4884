package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/soomehta/hive/internal/config"
)

func TestNewGeminiRequiresKey(t *testing.T) {
	_, err := NewGemini(context.Background(), config.LLMConfig{Model: "gemini-2.5-flash"})
	if !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("expected ErrNoAPIKey, got %v", err)
	}
}

func TestFuncAdapter(t *testing.T) {
	var got Request
	m := Func(func(_ context.Context, req Request) (Response, error) {
		got = req
		return Response{Text: "ok", TokensUsed: 3}, nil
	})

	resp, err := m.Generate(context.Background(), Request{System: "sys", Prompt: "hi", JSON: true})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "ok" || resp.TokensUsed != 3 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if got.System != "sys" || !got.JSON {
		t.Errorf("request not passed through: %+v", got)
	}
}
