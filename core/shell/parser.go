// Package shell turns a line typed at the prompt into a jobctl.Pipeline.
//
// Lines are parsed with the POSIX grammar, but only the subset the executor
// can run is accepted: a single pipeline of simple commands, optionally
// backgrounded, with an input redirection on the first command and output or
// error redirections on the last. Words are taken literally after quote
// removal, nothing is expanded.
package shell

import (
	"fmt"
	"strings"

	"github.com/josephlewis42/jobsh/core/jobctl"
	"mvdan.cc/sh/v3/syntax"
)

// UnsupportedError is returned for valid shell syntax the executor can't run.
type UnsupportedError struct {
	Pos  syntax.Pos
	What string
}

func (e *UnsupportedError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s: %s not supported", e.Pos, e.What)
	}
	return e.What + " not supported"
}

func unsupported(node syntax.Node, what string) error {
	return &UnsupportedError{Pos: node.Pos(), What: what}
}

// Parse parses one line into a pipeline. It returns nil if the line holds no
// command, like a blank line or a comment.
func Parse(line string) (*jobctl.Pipeline, error) {
	parser := syntax.NewParser(syntax.Variant(syntax.LangPOSIX))
	file, err := parser.Parse(strings.NewReader(line), "")
	if err != nil {
		return nil, err
	}

	switch len(file.Stmts) {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, unsupported(file.Stmts[1], "command lists")
	}

	stmt := file.Stmts[0]
	switch {
	case stmt.Negated:
		return nil, unsupported(stmt, "negation")
	case stmt.Coprocess:
		return nil, unsupported(stmt, "coprocesses")
	}

	stages, err := flatten(stmt)
	if err != nil {
		return nil, err
	}

	p := &jobctl.Pipeline{Background: stmt.Background}
	last := len(stages) - 1
	for slot, stage := range stages {
		cmd, err := command(stage)
		if err != nil {
			return nil, err
		}
		p.Commands = append(p.Commands, cmd)

		for _, r := range stage.Redirs {
			if err := redirect(p, r, slot == 0, slot == last); err != nil {
				return nil, err
			}
		}
	}

	return p, nil
}

// flatten unrolls the left-nested pipe chain of stmt into its stages.
func flatten(stmt *syntax.Stmt) ([]*syntax.Stmt, error) {
	bin, ok := stmt.Cmd.(*syntax.BinaryCmd)
	if !ok {
		return []*syntax.Stmt{stmt}, nil
	}

	switch {
	case bin.Op != syntax.Pipe:
		return nil, &UnsupportedError{Pos: bin.OpPos, What: fmt.Sprintf("%q", bin.Op.String())}
	case len(stmt.Redirs) > 0:
		return nil, unsupported(stmt.Redirs[0], "redirecting a whole pipeline")
	}

	left, err := flatten(bin.X)
	if err != nil {
		return nil, err
	}
	right, err := flatten(bin.Y)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

func command(stage *syntax.Stmt) (jobctl.Command, error) {
	var cmd jobctl.Command

	call, ok := stage.Cmd.(*syntax.CallExpr)
	switch {
	case stage.Cmd == nil:
		return cmd, &UnsupportedError{Pos: stage.Pos(), What: "redirection without a command"}
	case !ok:
		return cmd, unsupported(stage.Cmd, "compound commands")
	case len(call.Assigns) > 0:
		return cmd, unsupported(call.Assigns[0], "variable assignments")
	}

	for _, word := range call.Args {
		arg, err := literal(word)
		if err != nil {
			return cmd, err
		}
		cmd.Args = append(cmd.Args, arg)
	}
	return cmd, nil
}

func redirect(p *jobctl.Pipeline, r *syntax.Redirect, first, last bool) error {
	fd := ""
	if r.N != nil {
		fd = r.N.Value
	}

	target, err := literal(r.Word)
	if err != nil {
		return err
	}

	switch {
	case r.Op == syntax.RdrIn && (fd == "" || fd == "0"):
		if !first {
			return unsupported(r, "input redirection after the first command")
		}
		p.Stdin = target

	case r.Op == syntax.RdrOut || r.Op == syntax.ClbOut:
		if !last {
			return unsupported(r, "output redirection before the last command")
		}
		switch fd {
		case "", "1":
			p.Stdout = target
		case "2":
			p.Stderr = target
		default:
			return unsupported(r, "redirecting fd "+fd)
		}

	default:
		return unsupported(r, fmt.Sprintf("%q", r.Op.String()))
	}
	return nil
}

// literal returns the value of a word after quote removal. Words that need
// expansion are rejected.
func literal(word *syntax.Word) (string, error) {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch part := part.(type) {
		case *syntax.Lit:
			sb.WriteString(unescape(part.Value, ""))

		case *syntax.SglQuoted:
			if part.Dollar {
				return "", unsupported(part, "ANSI-C quoting")
			}
			sb.WriteString(part.Value)

		case *syntax.DblQuoted:
			if part.Dollar {
				return "", unsupported(part, "locale quoting")
			}
			for _, inner := range part.Parts {
				lit, ok := inner.(*syntax.Lit)
				if !ok {
					return "", unsupported(inner, "expansion")
				}
				sb.WriteString(unescape(lit.Value, "$`\"\\\n"))
			}

		default:
			return "", unsupported(part, "expansion")
		}
	}
	return sb.String(), nil
}

// unescape removes backslash escapes from raw. If special is non-empty only
// the listed characters are escapable, as inside double quotes.
func unescape(raw, special string) string {
	if !strings.Contains(raw, `\`) {
		return raw
	}

	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c != '\\' || i+1 == len(raw) {
			sb.WriteByte(c)
			continue
		}

		next := raw[i+1]
		switch {
		case next == '\n':
			// line continuation
		case special == "" || strings.IndexByte(special, next) >= 0:
			sb.WriteByte(next)
		default:
			sb.WriteByte(c)
			sb.WriteByte(next)
		}
		i++
	}
	return sb.String()
}
