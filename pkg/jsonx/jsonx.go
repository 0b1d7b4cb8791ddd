// Package jsonx extracts JSON from LLM output.
//
// LLM responses rarely contain bare JSON: models wrap objects in markdown
// fences, prepend reasoning, emit <think> blocks, or produce almost-valid
// JSON with stray escapes. ExtractObject tries a sequence of increasingly
// forgiving strategies and returns the first that yields valid JSON.
package jsonx

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	thinkBlockRe  = regexp.MustCompile(`(?s)<think>.*?</think>`)
	fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
)

// StripThink removes <think>...</think> spans from LLM output.
func StripThink(s string) string {
	return strings.TrimSpace(thinkBlockRe.ReplaceAllString(s, ""))
}

// ExtractObject locates and unmarshals a JSON object in raw LLM output.
//
// Strategies, in order:
//  1. direct unmarshal of the trimmed text
//  2. unmarshal of every fenced code block
//  3. string-aware brace matching on the outermost '{' ... '}'
//  4. strategy 3 after fixing common escape damage
func ExtractObject(raw string) (map[string]any, error) {
	text := StripThink(raw)
	if text == "" {
		return nil, fmt.Errorf("empty input")
	}

	if obj := tryUnmarshal(text); obj != nil {
		return obj, nil
	}

	for _, match := range fencedBlockRe.FindAllStringSubmatch(text, -1) {
		if obj := tryUnmarshal(strings.TrimSpace(match[1])); obj != nil {
			return obj, nil
		}
	}

	if candidate := matchBraces(text); candidate != "" {
		if obj := tryUnmarshal(candidate); obj != nil {
			return obj, nil
		}
		if obj := tryUnmarshal(fixEscapes(candidate)); obj != nil {
			return obj, nil
		}
	}

	return nil, fmt.Errorf("no valid JSON object found")
}

// ExtractArray locates and unmarshals a JSON array, using the same strategy
// ladder as ExtractObject.
func ExtractArray(raw string) ([]any, error) {
	text := StripThink(raw)
	if text == "" {
		return nil, fmt.Errorf("empty input")
	}

	if arr := tryUnmarshalArray(text); arr != nil {
		return arr, nil
	}

	for _, match := range fencedBlockRe.FindAllStringSubmatch(text, -1) {
		if arr := tryUnmarshalArray(strings.TrimSpace(match[1])); arr != nil {
			return arr, nil
		}
	}

	if candidate := matchBrackets(text); candidate != "" {
		if arr := tryUnmarshalArray(candidate); arr != nil {
			return arr, nil
		}
		if arr := tryUnmarshalArray(fixEscapes(candidate)); arr != nil {
			return arr, nil
		}
	}

	return nil, fmt.Errorf("no valid JSON array found")
}

// Decode extracts a JSON object from raw and unmarshals it into out.
func Decode(raw string, out any) error {
	obj, err := ExtractObject(raw)
	if err != nil {
		return err
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func tryUnmarshal(s string) map[string]any {
	if !strings.HasPrefix(strings.TrimSpace(s), "{") {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &obj); err != nil {
		return nil
	}
	return obj
}

func tryUnmarshalArray(s string) []any {
	if !strings.HasPrefix(strings.TrimSpace(s), "[") {
		return nil
	}
	var arr []any
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &arr); err != nil {
		return nil
	}
	return arr
}

// matchBraces returns the first balanced {...} span, tracking string literals
// and escapes so braces inside strings do not unbalance the scan.
func matchBraces(s string) string {
	return matchDelims(s, '{', '}')
}

func matchBrackets(s string) string {
	return matchDelims(s, '[', ']')
}

func matchDelims(s string, open, close byte) string {
	start := strings.IndexByte(s, open)
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case open:
			if !inString {
				depth++
			}
		case close:
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

// fixEscapes repairs the escape damage LLMs commonly produce: literal
// newlines and tabs inside string values, and lone backslashes.
func fixEscapes(s string) string {
	var buf strings.Builder
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			// Keep valid escapes, double invalid ones.
			switch ch {
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
				buf.WriteByte('\\')
				buf.WriteByte(ch)
			default:
				buf.WriteString(`\\`)
				buf.WriteByte(ch)
			}
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			} else {
				buf.WriteByte(ch)
			}
		case '"':
			inString = !inString
			buf.WriteByte(ch)
		case '\n':
			if inString {
				buf.WriteString(`\n`)
			} else {
				buf.WriteByte(ch)
			}
		case '\t':
			if inString {
				buf.WriteString(`\t`)
			} else {
				buf.WriteByte(ch)
			}
		case '\r':
			if inString {
				buf.WriteString(`\r`)
			} else {
				buf.WriteByte(ch)
			}
		default:
			buf.WriteByte(ch)
		}
	}
	if escaped {
		buf.WriteString(`\\`)
	}
	return buf.String()
}
