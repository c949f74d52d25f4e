package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// UnmarshalJSON decodes a Message while materializing the concrete Part
// implementations stored in the Parts slice.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role   ConversationRole  `json:"Role"`
		Parts  []json.RawMessage `json:"Parts"`
		Tokens TokenCount        `json:"Tokens"`
		Meta   map[string]any    `json:"Meta"`
	}
	var tmp alias
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	m.Role = tmp.Role
	m.Tokens = tmp.Tokens
	m.Meta = tmp.Meta
	if len(tmp.Parts) == 0 {
		m.Parts = nil
		return nil
	}
	m.Parts = make([]Part, 0, len(tmp.Parts))
	for i, raw := range tmp.Parts {
		part, err := DecodePart(raw)
		if err != nil {
			return fmt.Errorf("decode parts[%d]: %w", i, err)
		}
		m.Parts = append(m.Parts, part)
	}
	return nil
}

// DecodePart materializes a concrete Part from its JSON encoding using the
// Kind discriminator. A bare JSON string decodes as a TextPart for
// convenience.
func DecodePart(raw json.RawMessage) (Part, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		var text string
		if errText := json.Unmarshal(raw, &text); errText == nil {
			return TextPart{Text: text}, nil
		}
		return nil, fmt.Errorf("decode part object: %w", err)
	}
	if len(obj) == 0 {
		return nil, errors.New("empty part payload")
	}
	kindRaw, ok := obj["kind"]
	if !ok {
		return nil, errors.New("part payload missing kind discriminator")
	}
	var kind PartKind
	if err := json.Unmarshal(kindRaw, &kind); err != nil {
		return nil, fmt.Errorf("decode kind: %w", err)
	}
	switch kind {
	case PartKindText:
		var p TextPart
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode TextPart: %w", err)
		}
		return p, nil
	case PartKindReasoning:
		var p ReasoningPart
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode ReasoningPart: %w", err)
		}
		return p, nil
	case PartKindToolUse:
		var p ToolUsePart
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode ToolUsePart: %w", err)
		}
		if p.Name == "" {
			return nil, errors.New("ToolUsePart requires Name")
		}
		return p, nil
	case PartKindToolResult:
		var p ToolResultPart
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode ToolResultPart: %w", err)
		}
		if p.ToolUseID == "" {
			return nil, errors.New("ToolResultPart requires ToolUseID")
		}
		return p, nil
	case PartKindImage:
		var p ImagePart
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode ImagePart: %w", err)
		}
		return p, nil
	case PartKindBinary:
		var p BinaryPart
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode BinaryPart: %w", err)
		}
		return p, nil
	case PartKindJSON:
		var p JSONPart
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode JSONPart: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown part kind %q", kind)
	}
}
