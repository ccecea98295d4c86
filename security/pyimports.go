package security

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

type tokenKind int

const (
	tokName tokenKind = iota
	tokOp
	tokString
	tokNumber
	tokNewline
)

type token struct {
	kind tokenKind
	text string
	line int
}

// Import is one module reference found in a script.
type Import struct {
	Module string
	Line   int
}

// ScanResult lists the absolute imports and dynamic-import call sites of a script.
type ScanResult struct {
	Imports        []Import
	DynamicImports []int
}

// ScanImports tokenizes Python source and collects every absolute import.
// Relative imports are skipped. Source that cannot be tokenized (an unterminated
// string, unbalanced brackets) is an error.
func ScanImports(src []byte) (ScanResult, error) {
	toks, err := tokenize(src)
	if err != nil {
		return ScanResult{}, err
	}

	var res ScanResult
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.kind != tokName {
			continue
		}
		switch t.text {
		case "import":
			i = scanImportList(toks, i+1, &res)
		case "from":
			j := i + 1
			relative := false
			for j < len(toks) && toks[j].kind == tokOp && toks[j].text == "." {
				relative = true
				j++
			}
			module, next := dottedName(toks, j)
			if next < len(toks) && toks[next].kind == tokName && toks[next].text == "import" {
				if module != "" && !relative {
					res.Imports = append(res.Imports, Import{Module: module, Line: t.line})
				}
				// The imported names are attributes, not modules.
				i = next
			}
		case "__import__":
			res.DynamicImports = append(res.DynamicImports, t.line)
		}
	}
	return res, nil
}

// scanImportList reads `a.b [as c] (, d [as e])*` starting at i and returns the
// index of the last token consumed.
func scanImportList(toks []token, i int, res *ScanResult) int {
	for {
		module, next := dottedName(toks, i)
		if module == "" {
			return i - 1
		}
		res.Imports = append(res.Imports, Import{Module: module, Line: toks[i].line})
		i = next
		if i+1 < len(toks) && toks[i].kind == tokName && toks[i].text == "as" && toks[i+1].kind == tokName {
			i += 2
		}
		if i < len(toks) && toks[i].kind == tokOp && toks[i].text == "," {
			i++
			continue
		}
		return i - 1
	}
}

func dottedName(toks []token, i int) (string, int) {
	var parts []string
	for i < len(toks) && toks[i].kind == tokName && toks[i].text != "import" {
		parts = append(parts, toks[i].text)
		i++
		if i+1 < len(toks) && toks[i].kind == tokOp && toks[i].text == "." && toks[i+1].kind == tokName {
			i++
			continue
		}
		break
	}
	return strings.Join(parts, "."), i
}

var stringPrefixes = map[string]bool{
	"r": true, "u": true, "b": true, "f": true, "t": true,
	"br": true, "rb": true, "fr": true, "rf": true, "tr": true, "rt": true,
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// lexer is a reduced Python tokenizer: enough to tell code from strings and
// comments and to find logical line boundaries. Expressions inside f-string
// and t-string replacement fields are tokenized as code.
type lexer struct {
	src  []byte
	pos  int
	line int
	toks []token
}

func tokenize(src []byte) ([]token, error) {
	lx := &lexer{src: src, line: 1}
	if _, err := lx.code(false); err != nil {
		return nil, err
	}
	lx.emit(tokNewline, "")
	return lx.toks, nil
}

func (lx *lexer) emit(kind tokenKind, text string) {
	lx.toks = append(lx.toks, token{kind: kind, text: text, line: lx.line})
}

func (lx *lexer) peek(off int) byte {
	if lx.pos+off < len(lx.src) {
		return lx.src[lx.pos+off]
	}
	return 0
}

// code tokenizes until end of input. Inside a replacement field it stops
// before the '}', ':' or '!' that ends the expression and returns that byte.
func (lx *lexer) code(field bool) (byte, error) {
	var open []int
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case c == '\n':
			if len(open) == 0 && !field {
				lx.emit(tokNewline, "")
			}
			lx.line++
			lx.pos++
		case c == ' ' || c == '\t' || c == '\r' || c == '\f':
			lx.pos++
		case c == '#':
			for lx.pos < len(lx.src) && lx.src[lx.pos] != '\n' {
				lx.pos++
			}
		case c == '\\':
			j := lx.pos + 1
			if j < len(lx.src) && lx.src[j] == '\r' {
				j++
			}
			if j >= len(lx.src) || lx.src[j] != '\n' {
				return 0, fmt.Errorf("unexpected character after line continuation at line %d", lx.line)
			}
			lx.line++
			lx.pos = j + 1
		case c == '"' || c == '\'':
			if err := lx.str(""); err != nil {
				return 0, err
			}
		case isIdentStart(c):
			j := lx.pos
			for j < len(lx.src) && isIdentChar(lx.src[j]) {
				j++
			}
			word := string(lx.src[lx.pos:j])
			prefix := strings.ToLower(word)
			if j < len(lx.src) && (lx.src[j] == '"' || lx.src[j] == '\'') && stringPrefixes[prefix] {
				lx.pos = j
				if err := lx.str(prefix); err != nil {
					return 0, err
				}
				continue
			}
			// Python compares identifiers after NFKC normalization.
			lx.emit(tokName, norm.NFKC.String(word))
			lx.pos = j
		case c >= '0' && c <= '9':
			j := lx.pos
			for j < len(lx.src) && (isIdentChar(lx.src[j]) || lx.src[j] == '.') {
				j++
			}
			lx.emit(tokNumber, string(lx.src[lx.pos:j]))
			lx.pos = j
		case c == '(' || c == '[' || c == '{':
			open = append(open, lx.line)
			lx.emit(tokOp, string(c))
			lx.pos++
		case c == ')' || c == ']' || c == '}':
			if len(open) == 0 {
				if field && c == '}' {
					return c, nil
				}
				return 0, fmt.Errorf("unmatched '%c' at line %d", c, lx.line)
			}
			open = open[:len(open)-1]
			lx.emit(tokOp, string(c))
			lx.pos++
		case field && len(open) == 0 && (c == ':' || (c == '!' && lx.peek(1) != '=')):
			return c, nil
		default:
			lx.emit(tokOp, string(c))
			lx.pos++
		}
	}
	if len(open) > 0 {
		return 0, fmt.Errorf("bracket opened at line %d was never closed", open[len(open)-1])
	}
	return 0, nil
}

// str consumes a string literal whose opening quote is at lx.pos.
func (lx *lexer) str(prefix string) error {
	start := lx.line
	q := lx.src[lx.pos]
	triple := lx.peek(1) == q && lx.peek(2) == q
	if triple {
		lx.pos += 3
	} else {
		lx.pos++
	}
	raw := strings.Contains(prefix, "r")
	template := strings.ContainsAny(prefix, "ft")

	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case c == '\\':
			next := lx.peek(1)
			switch {
			case template && (next == '{' || next == '}'):
				lx.pos++
			case template && !raw && next == 'N' && lx.peek(2) == '{':
				for lx.pos < len(lx.src) && lx.src[lx.pos] != '}' && lx.src[lx.pos] != '\n' {
					lx.pos++
				}
				lx.pos++
			case next == '\r' && lx.peek(2) == '\n':
				lx.line++
				lx.pos += 3
			default:
				if next == '\n' {
					lx.line++
				}
				lx.pos += 2
			}
			continue
		case c == '\n':
			if !triple {
				return fmt.Errorf("unterminated string literal at line %d", start)
			}
			lx.line++
		case c == q:
			if !triple {
				lx.pos++
				lx.emit(tokString, "")
				return nil
			}
			if lx.peek(1) == q && lx.peek(2) == q {
				lx.pos += 3
				lx.emit(tokString, "")
				return nil
			}
		case template && c == '{':
			if lx.peek(1) == '{' {
				lx.pos += 2
				continue
			}
			lx.pos++
			if err := lx.field(q, triple); err != nil {
				return err
			}
			continue
		case template && c == '}':
			if lx.peek(1) != '}' {
				return fmt.Errorf("single '}' is not allowed in f-string at line %d", lx.line)
			}
			lx.pos += 2
			continue
		}
		lx.pos++
	}
	if triple {
		return fmt.Errorf("unterminated triple-quoted string starting at line %d", start)
	}
	return fmt.Errorf("unterminated string literal at line %d", start)
}

// field consumes a replacement field after its opening '{': the expression,
// an optional !conversion and an optional format spec with nested fields.
func (lx *lexer) field(q byte, triple bool) error {
	start := lx.line
	term, err := lx.code(true)
	if err != nil {
		return err
	}
	if term == '!' {
		lx.pos++
		for lx.pos < len(lx.src) && isIdentChar(lx.src[lx.pos]) {
			lx.pos++
		}
		term = lx.peek(0)
	}
	switch term {
	case '}':
		lx.pos++
		return nil
	case ':':
		lx.pos++
		return lx.formatSpec(q, triple, start)
	}
	return fmt.Errorf("unterminated replacement field starting at line %d", start)
}

func (lx *lexer) formatSpec(q byte, triple bool, start int) error {
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case c == '}':
			lx.pos++
			return nil
		case c == '{':
			lx.pos++
			if err := lx.field(q, triple); err != nil {
				return err
			}
			continue
		case c == '\n':
			if !triple {
				return fmt.Errorf("unterminated replacement field starting at line %d", start)
			}
			lx.line++
		case c == q && (!triple || (lx.peek(1) == q && lx.peek(2) == q)):
			return fmt.Errorf("unterminated replacement field starting at line %d", start)
		}
		lx.pos++
	}
	return fmt.Errorf("unterminated replacement field starting at line %d", start)
}
