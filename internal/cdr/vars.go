package cdr

import "strings"

// Variable is a single CDR variable as it appears on an externalized
// record.
type Variable struct {
	Name  string
	Value string
}

// varTable is an insertion-ordered set of CDR variables with
// case-insensitive names.
type varTable struct {
	vars []Variable
}

func (t *varTable) get(name string) (string, bool) {
	for _, v := range t.vars {
		if strings.EqualFold(v.Name, name) {
			return v.Value, true
		}
	}
	return "", false
}

// set replaces any existing variable with the same name. An empty value
// deletes the variable.
func (t *varTable) set(name, value string) {
	for i, v := range t.vars {
		if strings.EqualFold(v.Name, name) {
			if value == "" {
				t.vars = append(t.vars[:i], t.vars[i+1:]...)
			} else {
				t.vars[i].Value = value
			}
			return
		}
	}
	if value != "" {
		t.vars = append(t.vars, Variable{Name: name, Value: value})
	}
}

func (t *varTable) clear() {
	t.vars = nil
}

func (t *varTable) len() int {
	return len(t.vars)
}

// copyFrom appends every non-empty variable from src that is not already
// present.
func (t *varTable) copyFrom(src *varTable) {
	for _, v := range src.vars {
		if v.Name == "" || v.Value == "" {
			continue
		}
		if _, ok := t.get(v.Name); ok {
			continue
		}
		t.vars = append(t.vars, v)
	}
}

// snapshot returns a copy of the table contents in insertion order.
func (t *varTable) snapshot() []Variable {
	if len(t.vars) == 0 {
		return nil
	}
	out := make([]Variable, len(t.vars))
	copy(out, t.vars)
	return out
}
