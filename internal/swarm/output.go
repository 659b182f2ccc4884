package swarm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/soomehta/hive/internal/store"
)

// BeeOutput is the only shape a bee may answer with.
type BeeOutput struct {
	Summary      string          `json:"summary"`
	Result       json.RawMessage `json:"result"`
	HandoverData []HandoverData  `json:"handoverData,omitempty"`
	Signals      []SignalData    `json:"signals,omitempty"`
}

// HandoverData addresses work to a later bee. To names a template or instance;
// empty means every bee that depends on the sender.
type HandoverData struct {
	To          string          `json:"to,omitempty"`
	Type        string          `json:"type"`
	Summary     string          `json:"summary"`
	Data        json.RawMessage `json:"data,omitempty"`
	Request     string          `json:"request,omitempty"`
	Constraints []string        `json:"constraints,omitempty"`
}

type SignalData struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type rawOutput struct {
	Summary      *string         `json:"summary"`
	Result       json.RawMessage `json:"result"`
	HandoverData json.RawMessage `json:"handoverData"`
	Signals      []SignalData    `json:"signals"`
}

// ParseBeeOutput validates model text against the bee output schema. Every
// failure wraps ErrInvalidOutput.
func ParseBeeOutput(text string) (*BeeOutput, error) {
	body := stripFence(strings.TrimSpace(text))
	if body == "" {
		return nil, fmt.Errorf("%w: empty response", ErrInvalidOutput)
	}

	dec := json.NewDecoder(strings.NewReader(body))
	var raw rawOutput
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after JSON object", ErrInvalidOutput)
	}

	if raw.Summary == nil || strings.TrimSpace(*raw.Summary) == "" {
		return nil, fmt.Errorf("%w: summary is required", ErrInvalidOutput)
	}
	if len(raw.Result) == 0 || bytes.Equal(raw.Result, []byte("null")) {
		return nil, fmt.Errorf("%w: result is required", ErrInvalidOutput)
	}

	out := &BeeOutput{Summary: strings.TrimSpace(*raw.Summary), Result: raw.Result}

	handovers, err := parseHandovers(raw.HandoverData)
	if err != nil {
		return nil, err
	}
	out.HandoverData = handovers

	for i, s := range raw.Signals {
		s.Type = strings.ToLower(strings.TrimSpace(s.Type))
		switch s.Type {
		case store.SignalInfo, store.SignalWarning, store.SignalHold, store.SignalEscalate:
		default:
			return nil, fmt.Errorf("%w: signal %d has unknown type %q", ErrInvalidOutput, i, s.Type)
		}
		if strings.TrimSpace(s.Message) == "" {
			return nil, fmt.Errorf("%w: signal %d has no message", ErrInvalidOutput, i)
		}
		out.Signals = append(out.Signals, s)
	}
	return out, nil
}

// handoverData may be one object or a list of them.
func parseHandovers(raw json.RawMessage) ([]HandoverData, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var list []HandoverData
	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("%w: handoverData: %v", ErrInvalidOutput, err)
		}
	case '{':
		var one HandoverData
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, fmt.Errorf("%w: handoverData: %v", ErrInvalidOutput, err)
		}
		list = []HandoverData{one}
	default:
		return nil, fmt.Errorf("%w: handoverData must be an object or a list", ErrInvalidOutput)
	}

	for i := range list {
		if strings.TrimSpace(list[i].Summary) == "" {
			return nil, fmt.Errorf("%w: handover %d has no summary", ErrInvalidOutput, i)
		}
		if list[i].Type == "" {
			list[i].Type = "handover"
		}
	}
	return list, nil
}

// stripFence removes a surrounding markdown code fence.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// resultText renders a result for prompts: strings unquoted, anything else as JSON.
func resultText(r json.RawMessage) string {
	var s string
	if err := json.Unmarshal(r, &s); err == nil {
		return s
	}
	return string(r)
}
