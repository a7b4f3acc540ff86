package jobctl

import (
	"fmt"
	"os"
)

// stdio is the table of standard streams a stage is started with; index n
// becomes fd n in the child.
type stdio [3]*os.File

// fdSet holds the files the parent opened on behalf of one stage. The child
// gets its own copies at fork so the parent releases all of them as soon as
// the stage is started, or as soon as starting it has been abandoned.
type fdSet []*os.File

func (s *fdSet) own(f *os.File) *os.File {
	*s = append(*s, f)
	return f
}

func (s *fdSet) Close() error {
	var lastErr error
	for _, f := range *s {
		if err := f.Close(); err != nil {
			lastErr = err
		}
	}
	*s = nil
	return lastErr
}

// RedirectError is returned when a redirection target of a stage can't be
// opened. It only affects that stage.
type RedirectError struct {
	Slot int
	Path string
	Err  error
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *RedirectError) Unwrap() error {
	return e.Err
}

// applyRedirections opens the redirection targets that apply to slot and
// binds them over the entries already in files. It must run after the pipe
// ends have been bound so redirections take precedence.
func applyRedirections(slot int, p *Pipeline, files *stdio, owned *fdSet) error {
	open := func(path string, flag int) (*os.File, error) {
		f, err := os.OpenFile(path, flag, 0644)
		if err != nil {
			if pe, ok := err.(*os.PathError); ok {
				err = pe.Err
			}
			return nil, &RedirectError{Slot: slot, Path: path, Err: err}
		}
		return owned.own(f), nil
	}

	if slot == 0 && p.Stdin != "" {
		f, err := open(p.Stdin, os.O_RDONLY)
		if err != nil {
			return err
		}
		files[0] = f
	}

	if slot != len(p.Commands)-1 {
		return nil
	}

	const outFlags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if p.Stdout != "" {
		f, err := open(p.Stdout, outFlags)
		if err != nil {
			return err
		}
		files[1] = f
	}
	if p.Stderr != "" {
		f, err := open(p.Stderr, outFlags)
		if err != nil {
			return err
		}
		files[2] = f
	}
	return nil
}
