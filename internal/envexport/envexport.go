// Package envexport re-exports prefixed environment variables to later steps of a job.
package envexport

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DefaultPrefix selects the variables the runner sets for actions.
const DefaultPrefix = "ACTIONS_"

// Var is an environment variable.
type Var struct {
	Name  string
	Value string
}

// Select returns the variables of env, in "NAME=value" form, whose name starts with
// prefix and whose value is not empty, sorted by name.
func Select(env []string, prefix string) []Var {
	vars := []Var{}
	for _, entry := range env {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(name, prefix) || value == "" {
			continue
		}
		vars = append(vars, Var{Name: name, Value: value})
	}

	sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })

	return vars
}

// Write writes vars in the format of the GITHUB_ENV file. Multi-line values use
// the NAME<<DELIMITER form.
func Write(w io.Writer, vars []Var) error {
	for _, v := range vars {
		if strings.ContainsAny(v.Name, "=\n") || v.Name == "" {
			return errors.Errorf("invalid variable name %q", v.Name)
		}

		var err error
		if strings.ContainsAny(v.Value, "\r\n") {
			err = writeHeredoc(w, v)
		} else {
			_, err = fmt.Fprintf(w, "%s=%s\n", v.Name, v.Value)
		}
		if err != nil {
			return errors.Wrapf(err, "unable to write %s", v.Name)
		}
	}

	return nil
}

func writeHeredoc(w io.Writer, v Var) error {
	delimiter, err := newDelimiter()
	if err != nil {
		return err
	}
	for strings.Contains(v.Value, delimiter) {
		delimiter, err = newDelimiter()
		if err != nil {
			return err
		}
	}

	_, err = fmt.Fprintf(w, "%s<<%s\n%s\n%s\n", v.Name, delimiter, v.Value, delimiter)

	return err
}

func newDelimiter() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", errors.Wrap(err, "unable to generate delimiter")
	}

	return "ghadelimiter_" + id.String(), nil
}

// Export appends vars to the env file at path.
func Export(path string, vars []Var) error {
	if path == "" {
		return errors.New("env file path is empty")
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "unable to open %s", path)
	}

	err = Write(f, vars)
	if err != nil {
		f.Close()
		return err
	}

	return errors.Wrapf(f.Close(), "unable to close %s", path)
}
