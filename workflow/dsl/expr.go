package dsl

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// Expr 编译后的条件表达式。
// 支持 ==, !=, >, <, >=, <=, &&, ||, !、括号、数字/字符串/布尔字面量，
// 以及点号路径变量（input.original_content 读取 vars["input"]["original_content"]）。
type Expr struct {
	src  string
	root exprNode
	refs []string
}

// Compile 解析表达式；语法错误在这里返回，求值不会失败
func Compile(src string) (*Expr, error) {
	src = strings.TrimSpace(src)
	e := &Expr{src: src}
	if src == "" {
		return e, nil
	}
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &exprParser{tokens: tokens, refs: make(map[string]bool)}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, fmt.Errorf("unexpected token %q at position %d", p.tokens[p.pos].value, p.pos)
	}
	e.root = root
	for ref := range p.refs {
		e.refs = append(e.refs, ref)
	}
	sort.Strings(e.refs)
	return e, nil
}

// MustCompile 与 Compile 相同，出错时 panic
func MustCompile(src string) *Expr {
	e, err := Compile(src)
	if err != nil {
		panic(fmt.Sprintf("dsl: compile %q: %v", src, err))
	}
	return e
}

// String 返回源表达式
func (e *Expr) String() string { return e.src }

// Refs 返回表达式引用的变量路径（排序）
func (e *Expr) Refs() []string { return append([]string(nil), e.refs...) }

// Eval 对 vars 求值；空表达式为 false
func (e *Expr) Eval(vars map[string]any) bool {
	if e == nil || e.root == nil {
		return false
	}
	return toBool(e.root.eval(vars))
}

// --- AST ---

type exprNode interface {
	eval(vars map[string]any) any
}

type literalNode struct{ value any }

func (n literalNode) eval(map[string]any) any { return n.value }

type varNode struct{ path string }

func (n varNode) eval(vars map[string]any) any { return resolveVar(n.path, vars) }

type notNode struct{ operand exprNode }

func (n notNode) eval(vars map[string]any) any { return !toBool(n.operand.eval(vars)) }

type logicalNode struct {
	op          string
	left, right exprNode
}

func (n logicalNode) eval(vars map[string]any) any {
	l := toBool(n.left.eval(vars))
	if n.op == "&&" {
		return l && toBool(n.right.eval(vars))
	}
	return l || toBool(n.right.eval(vars))
}

type compareNode struct {
	op          string
	left, right exprNode
}

func (n compareNode) eval(vars map[string]any) any {
	return evalComparison(n.left.eval(vars), n.op, n.right.eval(vars))
}

// --- 词法 ---

type tokenKind int

const (
	tkNumber tokenKind = iota
	tkString
	tkIdent
	tkOp
	tkLParen
	tkRParen
)

type token struct {
	kind  tokenKind
	value string
}

// lexer 按 rune 扫描表达式源码
type lexer struct {
	src []rune
	pos int
	out []token
}

func tokenize(src string) ([]token, error) {
	lx := &lexer{src: []rune(src)}
	for lx.pos < len(lx.src) {
		if err := lx.next(); err != nil {
			return nil, err
		}
	}
	return lx.out, nil
}

func (lx *lexer) peek(off int) rune {
	if lx.pos+off >= len(lx.src) {
		return 0
	}
	return lx.src[lx.pos+off]
}

func (lx *lexer) emit(kind tokenKind, start int) {
	lx.out = append(lx.out, token{kind: kind, value: string(lx.src[start:lx.pos])})
}

func (lx *lexer) next() error {
	start := lx.pos
	c := lx.peek(0)

	if unicode.IsSpace(c) {
		lx.pos++
		return nil
	}
	if pair := string([]rune{c, lx.peek(1)}); twoCharOps[pair] {
		lx.pos += 2
		lx.emit(tkOp, start)
		return nil
	}

	switch {
	case c == '(':
		lx.pos++
		lx.emit(tkLParen, start)
	case c == ')':
		lx.pos++
		lx.emit(tkRParen, start)
	case c == '>' || c == '<' || c == '!':
		lx.pos++
		lx.emit(tkOp, start)
	case c == '"' || c == '\'':
		return lx.quoted(c)
	case isDigit(c), c == '-' && isDigit(lx.peek(1)) && lx.expectsOperand():
		lx.pos++
		lx.skip(isDigit)
		if lx.peek(0) == '.' {
			lx.pos++
			lx.skip(isDigit)
		}
		lx.emit(tkNumber, start)
	case c == '_' || unicode.IsLetter(c):
		lx.skip(isIdentPart)
		lx.emit(tkIdent, start)
	default:
		return fmt.Errorf("unexpected character %q at position %d", string(c), start)
	}
	return nil
}

var twoCharOps = map[string]bool{
	"==": true, "!=": true, ">=": true, "<=": true, "&&": true, "||": true,
}

func (lx *lexer) skip(keep func(rune) bool) {
	for lx.pos < len(lx.src) && keep(lx.src[lx.pos]) {
		lx.pos++
	}
}

// quoted 读取引号字符串，反斜杠转义下一个字符
func (lx *lexer) quoted(q rune) error {
	start := lx.pos
	var sb strings.Builder
	for lx.pos++; lx.pos < len(lx.src); lx.pos++ {
		c := lx.src[lx.pos]
		switch {
		case c == '\\' && lx.pos+1 < len(lx.src):
			lx.pos++
			sb.WriteRune(lx.src[lx.pos])
		case c == q:
			lx.pos++
			lx.out = append(lx.out, token{kind: tkString, value: sb.String()})
			return nil
		default:
			sb.WriteRune(c)
		}
	}
	return fmt.Errorf("unterminated string starting at position %d", start)
}

// expectsOperand '-' 在开头、运算符或左括号之后是负号
func (lx *lexer) expectsOperand() bool {
	if len(lx.out) == 0 {
		return true
	}
	k := lx.out[len(lx.out)-1].kind
	return k == tkOp || k == tkLParen
}

func isDigit(c rune) bool { return '0' <= c && c <= '9' }

func isIdentPart(c rune) bool {
	return c == '_' || c == '.' || unicode.IsLetter(c) || unicode.IsDigit(c)
}

// --- 递归下降语法分析 ---

// binaryLevels 按优先级从低到高
var binaryLevels = [][]string{
	{"||"},
	{"&&"},
}

var compareOps = []string{"==", "!=", ">", "<", ">=", "<="}

type exprParser struct {
	tokens []token
	pos    int
	refs   map[string]bool
}

func (p *exprParser) done() bool { return p.pos >= len(p.tokens) }

// accept 当前 token 是 ops 之一时消费并返回它
func (p *exprParser) accept(ops ...string) (string, bool) {
	if p.done() || p.tokens[p.pos].kind != tkOp {
		return "", false
	}
	v := p.tokens[p.pos].value
	for _, op := range ops {
		if v == op {
			p.pos++
			return v, true
		}
	}
	return "", false
}

func (p *exprParser) parseOr() (exprNode, error) { return p.parseLevel(0) }

func (p *exprParser) parseLevel(level int) (exprNode, error) {
	if level == len(binaryLevels) {
		return p.parseComparison()
	}
	left, err := p.parseLevel(level + 1)
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.accept(binaryLevels[level]...)
		if !ok {
			return left, nil
		}
		right, err := p.parseLevel(level + 1)
		if err != nil {
			return nil, err
		}
		left = logicalNode{op: op, left: left, right: right}
	}
}

// parseComparison 比较运算不可链式
func (p *exprParser) parseComparison() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	op, ok := p.accept(compareOps...)
	if !ok {
		return left, nil
	}
	right, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return compareNode{op: op, left: left, right: right}, nil
}

func (p *exprParser) parseUnary() (exprNode, error) {
	negations := 0
	for {
		if _, ok := p.accept("!"); !ok {
			break
		}
		negations++
	}
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for ; negations > 0; negations-- {
		n = notNode{operand: n}
	}
	return n, nil
}

var keywordLiterals = map[string]any{
	"true":  true,
	"false": false,
	"null":  nil,
	"nil":   nil,
}

func (p *exprParser) parsePrimary() (exprNode, error) {
	if p.done() {
		return nil, errors.New("unexpected end of expression")
	}
	t := p.tokens[p.pos]
	p.pos++

	switch t.kind {
	case tkNumber:
		f, err := strconv.ParseFloat(t.value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.value)
		}
		return literalNode{value: f}, nil
	case tkString:
		return literalNode{value: t.value}, nil
	case tkIdent:
		if v, ok := keywordLiterals[t.value]; ok {
			return literalNode{value: v}, nil
		}
		p.refs[t.value] = true
		return varNode{path: t.value}, nil
	case tkLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.done() || p.tokens[p.pos].kind != tkRParen {
			return nil, errors.New("expected closing parenthesis")
		}
		p.pos++
		return inner, nil
	}
	return nil, fmt.Errorf("unexpected token %q", t.value)
}

// --- 求值辅助 ---

// resolveVar 按点号路径读取 vars；任一层缺失返回 nil
func resolveVar(path string, vars map[string]any) any {
	var current any = vars
	for _, part := range strings.Split(path, ".") {
		switch m := current.(type) {
		case map[string]any:
			current = m[part]
		case map[string]string:
			v, ok := m[part]
			if !ok {
				return nil
			}
			current = v
		case map[string]bool:
			v, ok := m[part]
			if !ok {
				return nil
			}
			current = v
		default:
			return nil
		}
		if current == nil {
			return nil
		}
	}
	return current
}

// evalComparison nil 小于任何非 nil 值，两个 nil 相等；
// 两侧都能转成数字时按数字比较，否则按字符串比较
func evalComparison(left any, op string, right any) bool {
	if left == nil || right == nil {
		switch {
		case left == nil && right == nil:
			return op == "==" || op == ">=" || op == "<="
		case op == "!=":
			return true
		case op == "==":
			return false
		case left == nil:
			return op == "<" || op == "<="
		default:
			return op == ">" || op == ">="
		}
	}

	if lb, ok := left.(bool); ok {
		if rb, ok := right.(bool); ok {
			switch op {
			case "==":
				return lb == rb
			case "!=":
				return lb != rb
			}
			return false
		}
	}

	if lf, lok := toFloat64(left); lok {
		if rf, rok := toFloat64(right); rok {
			return compareOrdered(lf, op, rf)
		}
	}
	return compareOrdered(fmt.Sprintf("%v", left), op, fmt.Sprintf("%v", right))
}

func compareOrdered[T float64 | string](l T, op string, r T) bool {
	switch op {
	case "==":
		return l == r
	case "!=":
		return l != r
	case ">":
		return l > r
	case "<":
		return l < r
	case ">=":
		return l >= r
	case "<=":
		return l <= r
	}
	return false
}

func toBool(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
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

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
