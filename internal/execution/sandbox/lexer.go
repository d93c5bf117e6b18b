package sandbox

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokSpace tokenKind = iota
	tokComment
	tokIdent
	tokQuotedIdent
	tokString
	tokNumber
	tokPlaceholder
	tokPositional
	tokCast
	tokPunct
)

type token struct {
	kind tokenKind
	text string
}

func (t token) significant() bool {
	return t.kind != tokSpace && t.kind != tokComment
}

// keyword reports whether t is the bare word kw, case-insensitively.
func (t token) keyword(kw string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '$'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// tokenize splits a SQL template into tokens. It understands string
// literals, dollar quoting, quoted identifiers, nested block comments, line
// comments, "::" casts and ":name" placeholders.
func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		start := i
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f':
			for i < len(src) && strings.IndexByte(" \t\n\r\f", src[i]) >= 0 {
				i++
			}
			toks = append(toks, token{tokSpace, src[start:i]})

		case c == '-' && i+1 < len(src) && src[i+1] == '-':
			for i < len(src) && src[i] != '\n' {
				i++
			}
			toks = append(toks, token{tokComment, src[start:i]})

		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			depth := 0
			for i < len(src) {
				if i+1 < len(src) && src[i] == '/' && src[i+1] == '*' {
					depth++
					i += 2
					continue
				}
				if i+1 < len(src) && src[i] == '*' && src[i+1] == '/' {
					depth--
					i += 2
					if depth == 0 {
						break
					}
					continue
				}
				i++
			}
			if depth != 0 {
				return nil, fmt.Errorf("unterminated block comment at offset %d", start)
			}
			toks = append(toks, token{tokComment, src[start:i]})

		case c == '\'':
			end, err := scanQuoted(src, i, '\'')
			if err != nil {
				return nil, err
			}
			i = end
			toks = append(toks, token{tokString, src[start:i]})

		case c == '"':
			end, err := scanQuoted(src, i, '"')
			if err != nil {
				return nil, err
			}
			i = end
			toks = append(toks, token{tokQuotedIdent, src[start:i]})

		case c == '$':
			if i+1 < len(src) && isDigit(src[i+1]) {
				i++
				for i < len(src) && isDigit(src[i]) {
					i++
				}
				toks = append(toks, token{tokPositional, src[start:i]})
				break
			}
			end, ok, err := scanDollarQuoted(src, i)
			if err != nil {
				return nil, err
			}
			if ok {
				i = end
				toks = append(toks, token{tokString, src[start:i]})
				break
			}
			i++
			toks = append(toks, token{tokPunct, "$"})

		case c == ':':
			if i+1 < len(src) && src[i+1] == ':' {
				i += 2
				toks = append(toks, token{tokCast, "::"})
				break
			}
			if i+1 < len(src) && isIdentStart(src[i+1]) {
				i++
				for i < len(src) && isIdentPart(src[i]) && src[i] != '$' {
					i++
				}
				toks = append(toks, token{tokPlaceholder, src[start:i]})
				break
			}
			i++
			toks = append(toks, token{tokPunct, ":"})

		case isIdentStart(c):
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			toks = append(toks, token{tokIdent, src[start:i]})

		case isDigit(c):
			for i < len(src) && (isDigit(src[i]) || src[i] == '.' || src[i] == 'e' || src[i] == 'E') {
				i++
			}
			toks = append(toks, token{tokNumber, src[start:i]})

		default:
			i++
			toks = append(toks, token{tokPunct, src[start:i]})
		}
	}
	return toks, nil
}

// scanQuoted returns the offset just past the closing quote; a doubled quote
// is an escaped quote.
func scanQuoted(src string, start int, quote byte) (int, error) {
	i := start + 1
	for i < len(src) {
		if src[i] == quote {
			if i+1 < len(src) && src[i+1] == quote {
				i += 2
				continue
			}
			return i + 1, nil
		}
		i++
	}
	return 0, fmt.Errorf("unterminated quoted text at offset %d", start)
}

func scanDollarQuoted(src string, start int) (int, bool, error) {
	j := start + 1
	for j < len(src) && src[j] != '$' {
		if !isIdentPart(src[j]) || src[j] == '$' {
			return 0, false, nil
		}
		j++
	}
	if j >= len(src) {
		return 0, false, nil
	}
	tag := src[start : j+1]
	end := strings.Index(src[j+1:], tag)
	if end < 0 {
		return 0, false, fmt.Errorf("unterminated dollar-quoted text at offset %d", start)
	}
	return j + 1 + end + len(tag), true, nil
}
