// Package command implements the in-band command language embedded in user
// messages. Commands follow the grammar <prefix><name>(<args>) where the
// prefix is configurable (default "!/"), names match [a-zA-Z][\w-]*, and the
// argument list is tokenized shell-style with optional quoting. Handlers are
// pure values: they consume the parsed arguments and the current session
// snapshot and return the transition; publication happens in the store.
package command

import (
	"regexp"
	"strconv"
	"strings"
)

// Parsed is one detected command with its source span inside the scanned
// text. Span offsets are byte positions [start, end).
type Parsed struct {
	Name       string
	Args       ArgMap
	Positional []string
	SpanStart  int
	SpanEnd    int
}

// ArgMap holds key=value command arguments. Values are stored as the raw
// token text; integer coercion happens through the typed accessors so that
// unambiguous numerics behave as ints without losing the original form.
type ArgMap map[string]string

// Int returns the value coerced to an integer.
func (a ArgMap) Int(key string) (int, bool) {
	v, ok := a[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Float returns the value coerced to a float.
func (a ArgMap) Float(key string) (float64, bool) {
	v, ok := a[key]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// OnOff interprets the value as an on/off switch.
func (a ArgMap) OnOff(key string) (bool, bool) {
	v, ok := a[key]
	if !ok {
		return false, false
	}
	switch strings.ToLower(v) {
	case "on", "true", "1":
		return true, true
	case "off", "false", "0":
		return false, true
	}
	return false, false
}

var nameRe = regexp.MustCompile(`^[a-zA-Z][\w-]*`)

// toolResultRe classifies message text that looks like a tool-call result.
// Commands inside such text are honored only within a <feedback> block.
var toolResultRe = regexp.MustCompile(`^\s*\[\w+(\s+for\s+'[^']+')?\]\s+Result:`)

var feedbackRe = regexp.MustCompile(`(?s)<feedback>(.*?)</feedback>`)

// Parser detects and parses commands for a given prefix.
type Parser struct {
	prefix string
}

// NewParser creates a parser for the configured command prefix.
func NewParser(prefix string) *Parser {
	if prefix == "" {
		prefix = "!/"
	}
	return &Parser{prefix: prefix}
}

// Prefix returns the active command prefix.
func (p *Parser) Prefix() string {
	return p.prefix
}

// Detect finds the first command occurrence in text, honoring the tool-call
// result rule: in tool-result text, only commands inside a <feedback> block
// count; without one the whole message is ignored.
func (p *Parser) Detect(text string) *Parsed {
	if toolResultRe.MatchString(text) {
		m := feedbackRe.FindStringSubmatchIndex(text)
		if m == nil {
			return nil
		}
		inner := text[m[2]:m[3]]
		cmd := p.scan(inner)
		if cmd == nil {
			return nil
		}
		cmd.SpanStart += m[2]
		cmd.SpanEnd += m[2]
		return cmd
	}
	return p.scan(text)
}

// scan locates the first syntactically valid command in text.
func (p *Parser) scan(text string) *Parsed {
	from := 0
	for {
		i := strings.Index(text[from:], p.prefix)
		if i < 0 {
			return nil
		}
		start := from + i
		rest := text[start+len(p.prefix):]
		name := nameRe.FindString(rest)
		if name == "" {
			from = start + len(p.prefix)
			continue
		}

		end := start + len(p.prefix) + len(name)
		args := ArgMap{}
		var positional []string
		if end < len(text) && text[end] == '(' {
			body, closed, after := scanParens(text[end:])
			if !closed {
				from = end
				continue
			}
			args, positional = tokenizeArgs(body)
			end += after
		}
		return &Parsed{Name: name, Args: args, Positional: positional, SpanStart: start, SpanEnd: end}
	}
}

// scanParens consumes a parenthesized argument list starting at s[0]=='('.
// It respects single and double quotes and returns the inner body, whether
// the list was closed, and the byte length consumed including both parens.
func scanParens(s string) (body string, closed bool, consumed int) {
	var quote byte
	for i := 1; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case ')':
			return s[1:i], true, i + 1
		}
	}
	return "", false, 0
}

// tokenizeArgs splits the argument body into shell-like tokens separated by
// commas or whitespace outside quotes. Tokens of the form --key=value or
// key=value populate the map; bare tokens are positional.
func tokenizeArgs(body string) (ArgMap, []string) {
	args := ArgMap{}
	var positional []string

	var tokens []string
	var current strings.Builder
	var quote byte
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for i := 0; i < len(body); i++ {
		c := body[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			} else {
				current.WriteByte(c)
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case ',', ' ', '\t', '\n', '\r':
			flush()
		default:
			current.WriteByte(c)
		}
	}
	flush()

	for _, tok := range tokens {
		tok = strings.TrimPrefix(tok, "--")
		if eq := strings.Index(tok, "="); eq > 0 {
			args[tok[:eq]] = tok[eq+1:]
		} else if tok != "" {
			positional = append(positional, tok)
		}
	}
	return args, positional
}

// Strip removes the command span from text per the sanitizer rules: a
// command at the end drops the suffix and right-trims, at the start drops
// the prefix and left-trims, and in the middle joins both sides with a
// single space. No character outside the matched span is altered.
func Strip(text string, cmd *Parsed) string {
	before := text[:cmd.SpanStart]
	after := text[cmd.SpanEnd:]

	switch {
	case strings.TrimSpace(after) == "":
		return strings.TrimRight(before, " \t\r\n")
	case strings.TrimSpace(before) == "":
		return strings.TrimLeft(after, " \t\r\n")
	default:
		return strings.TrimRight(before, " \t\r\n") + " " + strings.TrimLeft(after, " \t\r\n")
	}
}

// IsCommandOnly reports whether text consists solely of commands, comment
// lines (starting with "#"), and whitespace after stripping cmd.
func (p *Parser) IsCommandOnly(text string) bool {
	for {
		cmd := p.scan(text)
		if cmd == nil {
			break
		}
		text = text[:cmd.SpanStart] + " " + text[cmd.SpanEnd:]
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			return false
		}
	}
	return true
}
