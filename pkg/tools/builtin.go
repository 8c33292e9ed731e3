package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode"
)

// Builtins returns the tools shipped with orchestra.
func Builtins() []Tool {
	return []Tool{Calculator(), Clock(time.Now)}
}

// RegisterBuiltins adds Builtins to r.
func RegisterBuiltins(r *Registry) error {
	for _, t := range Builtins() {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Calculator evaluates arithmetic expressions with + - * / and parentheses.
func Calculator() Tool {
	return Tool{
		Name:        "calculator",
		Description: "Evaluate an arithmetic expression such as (2+2)*10. Supports + - * / and parentheses.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {"expression": {"type": "string", "description": "Arithmetic expression"}},
			"required": ["expression"]
		}`),
		Fn: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Expression string `json:"expression"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			v, err := Evaluate(in.Expression)
			if err != nil {
				return nil, err
			}
			return json.Marshal(map[string]any{"result": v})
		},
	}
}

// Clock reports the current time in UTC.
func Clock(now func() time.Time) Tool {
	return Tool{
		Name:        "clock",
		Description: "Return the current date and time in UTC (RFC 3339).",
		Fn: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return json.Marshal(map[string]string{"time": now().UTC().Format(time.RFC3339)})
		},
	}
}

// Evaluate computes an arithmetic expression.
func Evaluate(expr string) (float64, error) {
	p := &exprParser{src: []rune(expr)}
	v, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return 0, fmt.Errorf("unexpected %q at offset %d", string(p.src[p.pos]), p.pos)
	}
	return v, nil
}

var errDivisionByZero = errors.New("division by zero")

// exprParser is a recursive descent parser:
//
//	expr   = term { ("+"|"-") term }
//	term   = factor { ("*"|"/") factor }
//	factor = ["-"] ( number | "(" expr ")" )
type exprParser struct {
	src []rune
	pos int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.src) && unicode.IsSpace(p.src[p.pos]) {
		p.pos++
	}
}

func (p *exprParser) peek() rune {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		op := p.peek()
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			left += right
		} else {
			left -= right
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		op := p.peek()
		if op != '*' && op != '/' && op != 'x' && op != '×' {
			return left, nil
		}
		p.pos++
		right, err := p.parseFactor()
		if err != nil {
			return 0, err
		}
		if op == '/' {
			if right == 0 {
				return 0, errDivisionByZero
			}
			left /= right
		} else {
			left *= right
		}
	}
}

func (p *exprParser) parseFactor() (float64, error) {
	switch c := p.peek(); {
	case c == '-':
		p.pos++
		v, err := p.parseFactor()
		return -v, err
	case c == '(':
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, errors.New("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	case c == 0:
		return 0, errors.New("unexpected end of expression")
	}

	start := p.pos
	for p.pos < len(p.src) && (unicode.IsDigit(p.src[p.pos]) || p.src[p.pos] == '.') {
		p.pos++
	}
	if start == p.pos {
		return 0, fmt.Errorf("unexpected %q at offset %d", string(p.src[p.pos]), p.pos)
	}
	return strconv.ParseFloat(string(p.src[start:p.pos]), 64)
}
