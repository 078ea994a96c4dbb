package validate

import (
	"fmt"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// call is one simple command extracted from a command line: the executable's
// leading token plus its literal arguments. Non-literal words (expansions,
// command substitutions) yield empty strings and are ignored for path checks;
// the deny-pattern tiers still see the raw command text.
type call struct {
	exe  string
	args []string
}

// parseCommand parses a shell command line and extracts every simple command
// it contains, so that pipelines and `;` sequences cannot smuggle a
// non-whitelisted executable past the leading-token check.
func parseCommand(command string) ([]call, error) {
	parser := syntax.NewParser()
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}

	var calls []call
	syntax.Walk(file, func(node syntax.Node) bool {
		ce, ok := node.(*syntax.CallExpr)
		if !ok || len(ce.Args) == 0 {
			return true
		}
		c := call{exe: wordLiteral(ce.Args[0])}
		for _, w := range ce.Args[1:] {
			c.args = append(c.args, wordLiteral(w))
		}
		calls = append(calls, c)
		return true
	})

	if len(calls) == 0 {
		return nil, fmt.Errorf("no command found")
	}
	return calls, nil
}

// wordLiteral flattens a word into its literal text. Words containing
// expansions or substitutions return "" so callers treat them as opaque.
func wordLiteral(w *syntax.Word) string {
	var sb strings.Builder
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				lit, ok := inner.(*syntax.Lit)
				if !ok {
					return ""
				}
				sb.WriteString(lit.Value)
			}
		default:
			return ""
		}
	}
	return sb.String()
}

// exeName normalizes an executable token for whitelist lookup: whitelist
// entries name bare executables, so "/usr/bin/git" matches "git".
func exeName(exe string) string {
	return filepath.Base(exe)
}
