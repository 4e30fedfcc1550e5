package value

import (
	"fmt"
	"strconv"
	"strings"
)

// Token is a parsed "${TASK_ID.PATH}" substitution reference.
type Token struct {
	TaskID string
	Path   []PathSegment
	Raw    string // the original "${...}" text, for error messages
}

// PathSegment is one step of a token's PATH: either a mapping-key access
// (Field) or a sequence-index access (Index >= 0).
type PathSegment struct {
	Field string
	Index int // -1 when this segment is a field access
}

// ParseError reports a malformed token encountered during ingestion-time
// syntax checking (spec §4.8 item 5: "token syntax is well-formed").
type ParseError struct {
	Raw string
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed substitution token %q: %s", e.Raw, e.Msg)
}

// FindTokens scans s for "${...}" occurrences and parses each one,
// returning the tokens in order. Callers use it for both ingestion-time
// syntax checking and dispatch-time evaluation.
func FindTokens(s string) ([]Token, error) {
	var toks []Token
	i := 0
	for i < len(s) {
		start := strings.Index(s[i:], "${")
		if start < 0 {
			break
		}
		start += i
		end := strings.Index(s[start:], "}")
		if end < 0 {
			return nil, &ParseError{Raw: s[start:], Msg: "unterminated token"}
		}
		end += start
		raw := s[start : end+1]
		inner := s[start+2 : end]
		tok, err := parseTokenBody(inner, raw)
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		i = end + 1
	}
	return toks, nil
}

// parseTokenBody parses "TASK_ID.PATH" (PATH optional) per the grammar in
// spec §4.3: segment = identifier | "[" non-negative integer "]"; segments
// joined by "." except index brackets which attach directly.
func parseTokenBody(body, raw string) (Token, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Token{}, &ParseError{Raw: raw, Msg: "empty token"}
	}
	// Split off TASK_ID: up to the first '.' or '[' that starts the path.
	taskEnd := len(body)
	for idx, r := range body {
		if r == '.' || r == '[' {
			taskEnd = idx
			break
		}
	}
	taskID := body[:taskEnd]
	if taskID == "" {
		return Token{}, &ParseError{Raw: raw, Msg: "missing task id"}
	}
	rest := body[taskEnd:]
	segs, err := parsePath(rest, raw)
	if err != nil {
		return Token{}, err
	}
	return Token{TaskID: taskID, Path: segs, Raw: raw}, nil
}

func parsePath(rest, raw string) ([]PathSegment, error) {
	var segs []PathSegment
	for len(rest) > 0 {
		switch rest[0] {
		case '.':
			rest = rest[1:]
			end := strings.IndexAny(rest, ".[")
			if end < 0 {
				end = len(rest)
			}
			field := rest[:end]
			if field == "" {
				return nil, &ParseError{Raw: raw, Msg: "empty field segment"}
			}
			segs = append(segs, PathSegment{Field: field, Index: -1})
			rest = rest[end:]
		case '[':
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return nil, &ParseError{Raw: raw, Msg: "unterminated index segment"}
			}
			numStr := rest[1:end]
			n, err := strconv.Atoi(numStr)
			if err != nil || n < 0 {
				return nil, &ParseError{Raw: raw, Msg: "index segment must be a non-negative integer"}
			}
			segs = append(segs, PathSegment{Index: n})
			rest = rest[end+1:]
		default:
			return nil, &ParseError{Raw: raw, Msg: "expected '.' or '[' in path"}
		}
	}
	return segs, nil
}

// ValidateSyntax checks that every token embedded anywhere in v is
// well-formed, without resolving any reference. Used at ingestion time
// (spec §4.8 item 5).
func ValidateSyntax(v Value) error {
	switch v.Kind() {
	case KindString:
		s, _ := v.AsString()
		_, err := FindTokens(s)
		return err
	case KindSequence:
		seq, _ := v.AsSequence()
		for _, e := range seq {
			if err := ValidateSyntax(e); err != nil {
				return err
			}
		}
	case KindMapping:
		m, _ := v.AsMapping()
		for _, e := range m {
			if err := ValidateSyntax(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// PathNotFoundError reports that a token's path does not resolve against
// the referenced task's result, per spec §4.3 "Missing paths produce
// field_not_found with the list of available top-level keys at the last
// successfully-resolved node."
type PathNotFoundError struct {
	Token         Token
	FailedAt      int // index into Token.Path where resolution failed
	AvailableKeys []string
}

func (e *PathNotFoundError) Error() string {
	return fmt.Sprintf("field not found resolving %q at segment %d; available keys: %v", e.Token.Raw, e.FailedAt, e.AvailableKeys)
}

// ResolvePath walks root following segs, returning PathNotFoundError when a
// segment cannot be resolved.
func ResolvePath(tok Token, root Value) (Value, error) {
	cur := root
	for i, seg := range segsOrRoot(tok.Path) {
		if seg.Index >= 0 {
			seq, ok := cur.AsSequence()
			if !ok || seg.Index >= len(seq) {
				return Value{}, &PathNotFoundError{Token: tok, FailedAt: i, AvailableKeys: cur.Keys()}
			}
			cur = seq[seg.Index]
			continue
		}
		m, ok := cur.AsMapping()
		if !ok {
			return Value{}, &PathNotFoundError{Token: tok, FailedAt: i, AvailableKeys: cur.Keys()}
		}
		next, ok := m[seg.Field]
		if !ok {
			return Value{}, &PathNotFoundError{Token: tok, FailedAt: i, AvailableKeys: cur.Keys()}
		}
		cur = next
	}
	return cur, nil
}

func segsOrRoot(segs []PathSegment) []PathSegment {
	if segs == nil {
		return nil
	}
	return segs
}

// Resolver looks up a prior task's result tree by task id during dispatch-
// time substitution. Returning ok=false signals the task id is unknown or
// not yet resolvable (caller turns this into unresolved_reference).
type Resolver func(taskID string) (root Value, ok bool)

// Substitute walks v and replaces every token, per spec §4.3 evaluation
// rules: a string consisting of exactly one token with no surrounding text
// is replaced by the raw referenced value (preserving type); a string with
// text plus one or more tokens has each token stringified and spliced in.
func Substitute(v Value, resolve Resolver) (Value, error) {
	switch v.Kind() {
	case KindString:
		s, _ := v.AsString()
		return substituteString(s, resolve)
	case KindSequence:
		seq, _ := v.AsSequence()
		out := make([]Value, len(seq))
		for i, e := range seq {
			r, err := Substitute(e, resolve)
			if err != nil {
				return Value{}, err
			}
			out[i] = r
		}
		return Sequence(out), nil
	case KindMapping:
		m, _ := v.AsMapping()
		out := make(map[string]Value, len(m))
		for k, e := range m {
			r, err := Substitute(e, resolve)
			if err != nil {
				return Value{}, err
			}
			out[k] = r
		}
		return Mapping(out), nil
	default:
		return v, nil
	}
}

func substituteString(s string, resolve Resolver) (Value, error) {
	toks, err := FindTokens(s)
	if err != nil {
		return Value{}, err
	}
	if len(toks) == 0 {
		return String(s), nil
	}
	if len(toks) == 1 && strings.TrimSpace(s) == toks[0].Raw {
		return resolveToken(toks[0], resolve)
	}
	// Mixed text: stringify each token and splice.
	var b strings.Builder
	i := 0
	for _, tok := range toks {
		idx := strings.Index(s[i:], tok.Raw)
		b.WriteString(s[i : i+idx])
		resolved, err := resolveToken(tok, resolve)
		if err != nil {
			return Value{}, err
		}
		b.WriteString(resolved.Lexical())
		i += idx + len(tok.Raw)
	}
	b.WriteString(s[i:])
	return String(b.String()), nil
}

func resolveToken(tok Token, resolve Resolver) (Value, error) {
	root, ok := resolve(tok.TaskID)
	if !ok {
		return Value{}, fmt.Errorf("%w: %s", ErrUnresolvedReference, tok.TaskID)
	}
	return ResolvePath(tok, root)
}
