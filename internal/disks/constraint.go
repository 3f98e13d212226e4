package disks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"astoria/internal/faults"
)

type kind uint8

const (
	kindTrue kind = iota
	kindFalse
	kindFilePresent
	kindNumberOfFiles
	kindAnd
	kindOr
	kindNot
)

// Op compares a file count against a constraint's expected count.
type Op uint8

const (
	OpEqual Op = iota
	OpNotEqual
	OpLess
	OpLessEqual
	OpGreater
	OpGreaterEqual
)

func (op Op) String() string {
	switch op {
	case OpEqual:
		return "=="
	case OpNotEqual:
		return "!="
	case OpLess:
		return "<"
	case OpLessEqual:
		return "<="
	case OpGreater:
		return ">"
	case OpGreaterEqual:
		return ">="
	default:
		return "?"
	}
}

func (op Op) compare(a, b int) bool {
	switch op {
	case OpEqual:
		return a == b
	case OpNotEqual:
		return a != b
	case OpLess:
		return a < b
	case OpLessEqual:
		return a <= b
	case OpGreater:
		return a > b
	case OpGreaterEqual:
		return a >= b
	default:
		return false
	}
}

// Constraint is a predicate over a mount path. Build values with the
// constructors; the zero value is True.
type Constraint struct {
	kind     kind
	name     string
	op       Op
	count    int
	children []Constraint
}

func True() Constraint  { return Constraint{kind: kindTrue} }
func False() Constraint { return Constraint{kind: kindFalse} }

// FilePresent matches a directory containing an entry called name.
func FilePresent(name string) Constraint {
	return Constraint{kind: kindFilePresent, name: name}
}

// NumberOfFiles matches a directory whose entry count satisfies op against n.
func NumberOfFiles(op Op, n int) Constraint {
	return Constraint{kind: kindNumberOfFiles, op: op, count: n}
}

// And matches when every child matches. And() matches everything.
func And(children ...Constraint) Constraint {
	return Constraint{kind: kindAnd, children: children}
}

// Or matches when any child matches. Or() matches nothing.
func Or(children ...Constraint) Constraint {
	return Constraint{kind: kindOr, children: children}
}

// Not inverts inner.
func Not(inner Constraint) Constraint {
	return Constraint{kind: kindNot, children: []Constraint{inner}}
}

// Matches evaluates c against the directory at path.
func Matches(c Constraint, path string) bool {
	return evaluate(c, path, nil)
}

// Explain evaluates c and also returns the filesystem errors that were
// treated as non-matches.
func Explain(c Constraint, path string) (bool, []error) {
	var errs []error
	ok := evaluate(c, path, &errs)
	return ok, errs
}

func evaluate(c Constraint, path string, errs *[]error) bool {
	switch c.kind {
	case kindTrue:
		return true
	case kindFalse:
		return false
	case kindFilePresent:
		if !isDir(path, errs) {
			return false
		}
		if _, err := os.Stat(filepath.Join(path, c.name)); err != nil {
			if !os.IsNotExist(err) {
				record(errs, c, path, err)
			}
			return false
		}
		return true
	case kindNumberOfFiles:
		if !isDir(path, errs) {
			return false
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			record(errs, c, path, err)
			return false
		}
		return c.op.compare(len(entries), c.count)
	case kindAnd:
		for _, child := range c.children {
			if !evaluate(child, path, errs) {
				return false
			}
		}
		return true
	case kindOr:
		for _, child := range c.children {
			if evaluate(child, path, errs) {
				return true
			}
		}
		return false
	case kindNot:
		return !evaluate(c.children[0], path, errs)
	default:
		panic(fmt.Sprintf("disks: unknown constraint kind %d", c.kind))
	}
}

func isDir(path string, errs *[]error) bool {
	info, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			record(errs, True(), path, err)
		}
		return false
	}
	return info.IsDir()
}

func record(errs *[]error, c Constraint, path string, err error) {
	if errs == nil {
		return
	}
	*errs = append(*errs, faults.Wrap(faults.ErrClassification, "classifier", c.String(), path, err))
}

func (c Constraint) String() string {
	switch c.kind {
	case kindTrue:
		return "True"
	case kindFalse:
		return "False"
	case kindFilePresent:
		return fmt.Sprintf("FilePresent(%q)", c.name)
	case kindNumberOfFiles:
		return fmt.Sprintf("NumberOfFiles(%s %d)", c.op, c.count)
	case kindAnd, kindOr:
		parts := make([]string, len(c.children))
		for i, child := range c.children {
			parts[i] = child.String()
		}
		label := "And"
		if c.kind == kindOr {
			label = "Or"
		}
		return label + "(" + strings.Join(parts, ", ") + ")"
	case kindNot:
		return "Not(" + c.children[0].String() + ")"
	default:
		return "Unknown"
	}
}
