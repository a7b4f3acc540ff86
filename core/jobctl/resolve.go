package jobctl

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// ErrNotFound is the error resulting if a path search failed to find an executable file.
var ErrNotFound = exec.ErrNotFound

// NotFoundError lists every command of a pipeline that couldn't be resolved.
type NotFoundError struct {
	Names []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: command not found", strings.Join(e.Names, ", "))
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// Resolver finds executables on a filesystem.
type Resolver struct {
	Fs afero.Fs
	// Path is a list of directories in $PATH format.
	Path string
}

// NewResolver creates a resolver for the host filesystem.
func NewResolver(path string) *Resolver {
	return &Resolver{Fs: afero.NewOsFs(), Path: path}
}

func (r *Resolver) findExecutable(file string) error {
	d, err := r.Fs.Stat(file)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case err != nil:
		return err
	}
	if m := d.Mode(); !m.IsDir() && m&0111 != 0 {
		return nil
	}
	return fs.ErrPermission
}

// LookPath searches for an executable named file in the directories named by
// Path. If file contains a slash, it is tried directly and Path is not
// consulted. The result may be an absolute path or a path relative to the
// current directory.
func (r *Resolver) LookPath(file string) (string, error) {
	if file == "" {
		return "", ErrNotFound
	}
	if strings.Contains(file, "/") {
		err := r.findExecutable(file)
		if err == nil {
			return file, nil
		}
		return "", err
	}
	for _, dir := range filepath.SplitList(r.Path) {
		if dir == "" {
			// Unix shell semantics: path element "" means "."
			dir = "."
		}
		path := filepath.Join(dir, file)
		if err := r.findExecutable(path); err == nil {
			return path, nil
		}
	}
	return "", ErrNotFound
}

// Resolve fills in the executable path of every command in the pipeline. If
// any command can't be found, a *NotFoundError naming all of them is
// returned and the pipeline must not be run.
func (r *Resolver) Resolve(p *Pipeline) error {
	var missing []string
	for i := range p.Commands {
		cmd := &p.Commands[i]
		path, err := r.LookPath(cmd.Name())
		if err != nil {
			cmd.Path = ""
			missing = append(missing, cmd.Name())
			continue
		}
		cmd.Path = path
	}

	if len(missing) > 0 {
		return &NotFoundError{Names: missing}
	}
	return nil
}
