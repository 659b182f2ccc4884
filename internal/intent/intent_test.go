package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/soomehta/hive/internal/llm"
)

func TestClassifyKeywordFallback(t *testing.T) {
	c := New(nil)

	cases := []struct {
		message string
		want    string
	}{
		{"Create a task to review mockups by Friday", CreateTask},
		{"Schedule a meeting with design next week", ScheduleMeeting},
		{"Summarize yesterday's standup", Summarize},
		{"Give me a progress report on the launch", Report},
		{"Who owns the billing migration?", Query},
		{"hello there", General},
	}
	for _, tc := range cases {
		got := c.Classify(context.Background(), tc.message)
		if got.Intent != tc.want {
			t.Errorf("%q: expected %s, got %s", tc.message, tc.want, got.Intent)
		}
	}
}

func TestClassifyUsesModel(t *testing.T) {
	model := llm.Func(func(_ context.Context, req llm.Request) (llm.Response, error) {
		if !req.JSON {
			t.Error("expected JSON request")
		}
		return llm.Response{Text: `{"intent":"report","entities":{"project":"apollo"}}`}, nil
	})

	got := New(model).Classify(context.Background(), "how is apollo going")
	if got.Intent != Report {
		t.Errorf("expected report, got %s", got.Intent)
	}
	if got.Entities["project"] != "apollo" {
		t.Errorf("expected project entity, got %v", got.Entities)
	}
}

func TestClassifyModelFailureFallsBack(t *testing.T) {
	failing := llm.Func(func(context.Context, llm.Request) (llm.Response, error) {
		return llm.Response{}, errors.New("provider down")
	})
	garbage := llm.Func(func(context.Context, llm.Request) (llm.Response, error) {
		return llm.Response{Text: "not json"}, nil
	})
	unknown := llm.Func(func(context.Context, llm.Request) (llm.Response, error) {
		return llm.Response{Text: `{"intent":"dance"}`}, nil
	})

	for name, m := range map[string]llm.Model{"error": failing, "garbage": garbage} {
		got := New(m).Classify(context.Background(), "Create a task to ship it")
		if got.Intent != CreateTask {
			t.Errorf("%s: expected keyword fallback create_task, got %s", name, got.Intent)
		}
	}

	got := New(unknown).Classify(context.Background(), "anything")
	if got.Intent != General {
		t.Errorf("expected unknown intent mapped to general, got %s", got.Intent)
	}
}

func TestSwarmPrefix(t *testing.T) {
	got := New(nil).Classify(context.Background(), "@swarm plan the offsite")
	if !got.ForceSwarm {
		t.Error("expected ForceSwarm")
	}
	if got.Message != "plan the offsite" {
		t.Errorf("expected prefix stripped, got %q", got.Message)
	}
}

func TestExtractEntities(t *testing.T) {
	e := ExtractEntities(`Ask @maria and @li.wei to draft "Q3 plan" by Friday`)

	if e["date"] != "by friday" {
		t.Errorf("expected date 'by friday', got %v", e["date"])
	}
	mentions, _ := e["mentions"].([]string)
	if len(mentions) != 2 || mentions[1] != "li.wei" {
		t.Errorf("unexpected mentions: %v", e["mentions"])
	}
	if e["title"] != "Q3 plan" {
		t.Errorf("expected title, got %v", e["title"])
	}
}
