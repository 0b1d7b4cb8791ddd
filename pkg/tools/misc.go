package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// CurrentTimeTool reports the current time, optionally in a named location.
type CurrentTimeTool struct{}

type currentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"title=timezone,description=IANA timezone name"`
}

func NewCurrentTimeTool() *CurrentTimeTool { return &CurrentTimeTool{} }

func (t *CurrentTimeTool) GetName() string        { return "current_time" }
func (t *CurrentTimeTool) GetDescription() string { return "Get the current date and time" }

func (t *CurrentTimeTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        t.GetName(),
		Description: t.GetDescription(),
		Parameters: []ToolParameter{
			{Name: "timezone", Type: "string", Description: "IANA timezone name, defaults to UTC"},
		},
		InputSchema: SchemaFor[currentTimeArgs](),
	}
}

func (t *CurrentTimeTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	loc := time.UTC
	if name, ok := args["timezone"].(string); ok && name != "" {
		parsed, err := time.LoadLocation(name)
		if err != nil {
			return errorResult(t.GetName(), "unknown timezone: "+name), err
		}
		loc = parsed
	}
	now := time.Now().In(loc)
	return successResult(t.GetName(), now.Format("2006-01-02 15:04:05 MST"), map[string]any{
		"unix": now.Unix(),
	}), nil
}

// CalculatorTool evaluates arithmetic expressions with + - * / % and
// parentheses.
type CalculatorTool struct{}

type calculatorArgs struct {
	Expression string `json:"expression" jsonschema:"title=expression,description=Arithmetic expression to evaluate"`
}

func NewCalculatorTool() *CalculatorTool { return &CalculatorTool{} }

func (t *CalculatorTool) GetName() string        { return "calculator" }
func (t *CalculatorTool) GetDescription() string { return "Evaluate an arithmetic expression" }

func (t *CalculatorTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        t.GetName(),
		Description: t.GetDescription(),
		Parameters: []ToolParameter{
			{Name: "expression", Type: "string", Description: "Arithmetic expression to evaluate", Required: true},
		},
		InputSchema: SchemaFor[calculatorArgs](),
	}
}

func (t *CalculatorTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	expression, _ := args["expression"].(string)
	if expression == "" {
		return errorResult(t.GetName(), "expression parameter is required"), fmt.Errorf("expression parameter is required")
	}

	value, err := evalExpression(expression)
	if err != nil {
		return errorResult(t.GetName(), err.Error()), err
	}
	return successResult(t.GetName(), strconv.FormatFloat(value, 'g', -1, 64), map[string]any{
		"expression": expression,
	}), nil
}

// evalExpression is a small recursive-descent evaluator.
func evalExpression(input string) (float64, error) {
	p := &exprParser{input: strings.TrimSpace(input)}
	value, err := p.parseAddSub()
	if err != nil {
		return 0, err
	}
	p.skipSpaces()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected character %q at position %d", p.input[p.pos], p.pos)
	}
	return value, nil
}

type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) skipSpaces() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	p.skipSpaces()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) parseAddSub() (float64, error) {
	left, err := p.parseMulDiv()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseMulDiv()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseMulDiv()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseMulDiv() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		case '%':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left = float64(int64(left) % int64(right))
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseUnary() (float64, error) {
	if p.peek() == '-' {
		p.pos++
		value, err := p.parseUnary()
		return -value, err
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (float64, error) {
	if p.peek() == '(' {
		p.pos++
		value, err := p.parseAddSub()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return value, nil
	}

	p.skipSpaces()
	start := p.pos
	for p.pos < len(p.input) && (unicode.IsDigit(rune(p.input[p.pos])) || p.input[p.pos] == '.') {
		p.pos++
	}
	if start == p.pos {
		return 0, fmt.Errorf("expected number at position %d", start)
	}
	return strconv.ParseFloat(p.input[start:p.pos], 64)
}
