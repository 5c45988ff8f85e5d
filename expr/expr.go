// Package expr implements a small sandboxed condition-expression evaluator.
//
// Expressions reach this package as configuration text (chain condition
// nodes, sub-agent gating conditions). The evaluator exposes no ambient
// builtins and no side effects: it can only read the variable map handed to
// a single Evaluate call.
//
// Supported syntax:
//
//	comparisons  ==  !=  >  <  >=  <=
//	logic        &&  ||  !
//	literals     numbers, "strings", true, false
//	variables    dot-notation paths: result.score
//	functions    len(x) for strings, slices and maps
package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Evaluate evaluates an expression against vars and returns its truthiness.
// An empty expression is false.
func Evaluate(expression string, vars map[string]any) (bool, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return false, nil
	}

	tokens, err := tokenize(expression)
	if err != nil {
		return false, err
	}
	if len(tokens) == 0 {
		return false, nil
	}

	p := &parser{tokens: tokens, vars: vars}
	val, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.pos < len(p.tokens) {
		return false, fmt.Errorf("unexpected token %q at position %d", p.tokens[p.pos].value, p.pos)
	}
	return truthy(val), nil
}

// --- Tokens ---

type tokenKind int

const (
	tkNumber tokenKind = iota // 42, 0.8, -3.14
	tkString                  // "hello"
	tkIdent                   // variable path, true/false, function name
	tkOp                      // ==, !=, >, <, >=, <=, &&, ||, !
	tkLParen                  // (
	tkRParen                  // )
)

type token struct {
	kind  tokenKind
	value string
}

func tokenize(expression string) ([]token, error) {
	var tokens []token
	runes := []rune(expression)
	i := 0

	for i < len(runes) {
		ch := runes[i]

		if unicode.IsSpace(ch) {
			i++
			continue
		}

		if ch == '(' {
			tokens = append(tokens, token{tkLParen, "("})
			i++
			continue
		}
		if ch == ')' {
			tokens = append(tokens, token{tkRParen, ")"})
			i++
			continue
		}

		if ch == '"' {
			s, next, err := readString(runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tkString, s})
			i = next
			continue
		}

		if i+1 < len(runes) {
			two := string(runes[i : i+2])
			switch two {
			case "==", "!=", ">=", "<=", "&&", "||":
				tokens = append(tokens, token{tkOp, two})
				i += 2
				continue
			}
		}

		if ch == '>' || ch == '<' || ch == '!' {
			tokens = append(tokens, token{tkOp, string(ch)})
			i++
			continue
		}

		// A leading '-' is a negative number only at the start of the
		// expression or after an operator or opening parenthesis.
		if isDigit(ch) || (ch == '-' && i+1 < len(runes) && isDigit(runes[i+1]) && negativeAllowed(tokens)) {
			num, next := readNumber(runes, i)
			tokens = append(tokens, token{tkNumber, num})
			i = next
			continue
		}

		if isIdentStart(ch) {
			ident, next := readIdent(runes, i)
			tokens = append(tokens, token{tkIdent, ident})
			i = next
			continue
		}

		return nil, fmt.Errorf("unexpected character %q at position %d", string(ch), i)
	}

	return tokens, nil
}

func readString(runes []rune, start int) (string, int, error) {
	var sb strings.Builder
	i := start + 1
	for i < len(runes) {
		if runes[i] == '\\' && i+1 < len(runes) {
			sb.WriteRune(runes[i+1])
			i += 2
			continue
		}
		if runes[i] == '"' {
			return sb.String(), i + 1, nil
		}
		sb.WriteRune(runes[i])
		i++
	}
	return "", 0, fmt.Errorf("unterminated string starting at position %d", start)
}

func readNumber(runes []rune, start int) (string, int) {
	i := start
	if i < len(runes) && runes[i] == '-' {
		i++
	}
	for i < len(runes) && isDigit(runes[i]) {
		i++
	}
	if i < len(runes) && runes[i] == '.' {
		i++
		for i < len(runes) && isDigit(runes[i]) {
			i++
		}
	}
	return string(runes[start:i]), i
}

func readIdent(runes []rune, start int) (string, int) {
	i := start
	for i < len(runes) && isIdentPart(runes[i]) {
		i++
	}
	return string(runes[start:i]), i
}

func isDigit(ch rune) bool      { return ch >= '0' && ch <= '9' }
func isIdentStart(ch rune) bool { return unicode.IsLetter(ch) || ch == '_' }
func isIdentPart(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '.'
}

func negativeAllowed(preceding []token) bool {
	if len(preceding) == 0 {
		return true
	}
	last := preceding[len(preceding)-1]
	return last.kind == tkOp || last.kind == tkLParen
}

// --- Recursive descent parser ---

type parser struct {
	tokens []token
	pos    int
	vars   map[string]any
}

func (p *parser) peek() *token {
	if p.pos < len(p.tokens) {
		return &p.tokens[p.pos]
	}
	return nil
}

func (p *parser) advance() token {
	t := p.tokens[p.pos]
	p.pos++
	return t
}

func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek() != nil && p.peek().kind == tkOp && p.peek().value == "||" {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *parser) parseAnd() (any, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.peek() != nil && p.peek().kind == tkOp && p.peek().value == "&&" {
		p.advance()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *parser) parseComparison() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if p.peek() != nil && p.peek().kind == tkOp {
		op := p.peek().value
		switch op {
		case "==", "!=", ">", "<", ">=", "<=":
			p.advance()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return compare(left, op, right), nil
		}
	}
	return left, nil
}

func (p *parser) parseUnary() (any, error) {
	if p.peek() != nil && p.peek().kind == tkOp && p.peek().value == "!" {
		p.advance()
		val, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !truthy(val), nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (any, error) {
	t := p.peek()
	if t == nil {
		return nil, fmt.Errorf("unexpected end of expression")
	}

	switch t.kind {
	case tkNumber:
		p.advance()
		return strconv.ParseFloat(t.value, 64)

	case tkString:
		p.advance()
		return t.value, nil

	case tkIdent:
		p.advance()
		switch t.value {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "len":
			return p.parseLen()
		default:
			return resolvePath(t.value, p.vars), nil
		}

	case tkLParen:
		p.advance()
		val, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek() == nil || p.peek().kind != tkRParen {
			return nil, fmt.Errorf("expected closing parenthesis")
		}
		p.advance()
		return val, nil

	default:
		return nil, fmt.Errorf("unexpected token %q", t.value)
	}
}

// parseLen handles len(arg) where arg is any expression. The length of a
// string is its rune count; slices and maps use element count; nil is 0.
func (p *parser) parseLen() (any, error) {
	if p.peek() == nil || p.peek().kind != tkLParen {
		return nil, fmt.Errorf("len requires parentheses")
	}
	p.advance()
	arg, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek() == nil || p.peek().kind != tkRParen {
		return nil, fmt.Errorf("expected closing parenthesis after len argument")
	}
	p.advance()
	return float64(lengthOf(arg)), nil
}

func lengthOf(v any) int {
	switch val := v.(type) {
	case nil:
		return 0
	case string:
		return len([]rune(val))
	case []any:
		return len(val)
	case []string:
		return len(val)
	case []int:
		return len(val)
	case []float64:
		return len(val)
	case map[string]any:
		return len(val)
	default:
		return 0
	}
}

// --- Evaluation helpers ---

// resolvePath resolves a dot-notation variable path from the vars map.
// "status" -> vars["status"]; "result.score" -> vars["result"].(map)["score"].
func resolvePath(path string, vars map[string]any) any {
	parts := strings.Split(path, ".")
	var current any = vars

	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

// compare evaluates a comparison between two values. nil orders below every
// non-nil value; two nils are equal.
func compare(left any, op string, right any) bool {
	if left == nil && right == nil {
		return op == "==" || op == ">=" || op == "<="
	}
	if left == nil || right == nil {
		switch op {
		case "!=":
			return true
		case "==":
			return false
		}
		if left == nil {
			return op == "<" || op == "<="
		}
		return op == ">" || op == ">="
	}

	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case ">":
			return lf > rf
		case "<":
			return lf < rf
		case ">=":
			return lf >= rf
		case "<=":
			return lf <= rf
		}
	}

	ls := fmt.Sprintf("%v", left)
	rs := fmt.Sprintf("%v", right)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case ">":
		return ls > rs
	case "<":
		return ls < rs
	case ">=":
		return ls >= rs
	case "<=":
		return ls <= rs
	}
	return false
}

func truthy(v any) bool {
	if v == nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case float64:
		return val != 0
	case int:
		return val != 0
	case string:
		return val != "" && val != "false" && val != "0"
	default:
		return true
	}
}

func asFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f, true
		}
		return 0, false
	default:
		return 0, false
	}
}
