package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
)

// Object is the structured answer every provider is asked to produce.
type Object struct {
	Message           string `json:"message" validate:"required" jsonschema:"description=The answer shown to the user in markdown"`
	UsedSourceIndexes []int  `json:"usedSourceIndexes" validate:"dive,gte=0" jsonschema:"description=Zero based indexes of the numbered sources the answer relies on"`
}

var (
	validate = validator.New(validator.WithRequiredStructEnabled())

	instructionOnce sync.Once
	instruction     string
)

// SchemaInstruction is appended to every prompt as the last system message.
func SchemaInstruction() string {
	instructionOnce.Do(func() {
		r := &jsonschema.Reflector{
			AllowAdditionalProperties: false,
			DoNotReference:            true,
			ExpandedStruct:            true,
		}
		schema := r.Reflect(&Object{})
		raw, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			panic(fmt.Sprintf("marshal output schema: %v", err))
		}
		instruction = "Reply with exactly one JSON object and no other text. " +
			"The object must validate against this JSON schema:\n" + string(raw)
	})
	return instruction
}

// parseFinal decodes the complete model output and validates it.
func parseFinal(raw string) (*Object, error) {
	text := stripFence(raw)
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return nil, errors.New("no json object in model output")
	}
	var obj Object
	if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}
	if err := validate.Struct(obj); err != nil {
		return nil, fmt.Errorf("model output does not match schema: %w", err)
	}
	return &obj, nil
}

// parsePartial decodes as much of an incomplete JSON object as possible.
func parsePartial(raw string) (Object, bool) {
	for _, candidate := range completions(stripFence(raw)) {
		var obj Object
		if json.Unmarshal([]byte(candidate), &obj) == nil {
			return obj, true
		}
	}
	return Object{}, false
}

func stripFence(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	} else {
		return ""
	}
	return strings.TrimSuffix(strings.TrimSpace(text), "```")
}

// completions closes the open strings, arrays and objects of a truncated
// JSON document. The second candidate cuts at the last comma outside a
// string, for input that stops inside a key.
func completions(text string) []string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil
	}
	text = text[start:]

	var (
		stack    []byte
		cutStack []byte
		cutAt    = -1
		inString bool
		escaped  bool
	)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			if len(stack) == 0 {
				return []string{text[:i+1]}
			}
		case ',':
			cutAt = i
			cutStack = append(cutStack[:0], stack...)
		}
	}

	head := text
	if inString {
		if escaped {
			head = head[:len(head)-1]
		}
		if idx := strings.LastIndex(head, `\u`); idx >= 0 && len(head)-idx < 6 {
			head = head[:idx]
		}
		head += `"`
	}
	head = strings.TrimRight(head, " \t\r\n")
	if strings.HasSuffix(head, ":") {
		head += "null"
	}
	head = strings.TrimSuffix(head, ",")

	out := []string{head + closers(stack)}
	if cutAt >= 0 {
		out = append(out, text[:cutAt]+closers(cutStack))
	}
	return out
}

func closers(stack []byte) string {
	var b strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}
