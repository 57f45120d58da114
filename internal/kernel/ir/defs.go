package ir

import "fmt"

// Def is one named compile-time constant.
type Def struct {
	Name  string
	Value Expr
}

// Text returns the value in the form it is emitted, e.g. "64" or "((TSK*TSM)/(RTSM*RTSN))".
func (d Def) Text() string {
	return FormatCompact(d.Value)
}

// Defs is an ordered table of compile-time constants. Values are integer
// literals or expressions over names added earlier. Emission order is
// insertion order.
type Defs struct {
	entries []Def
	index   map[string]int
	frozen  bool
}

// NewDefs returns an empty table.
func NewDefs() *Defs {
	return &Defs{index: make(map[string]int)}
}

// Add appends an integer constant.
func (d *Defs) Add(name string, v int) {
	d.AddExpr(name, Int(v))
}

// AddExpr appends a constant defined by e. Redefining a name or adding to a
// frozen table panics.
func (d *Defs) AddExpr(name string, e Expr) {
	if d.frozen {
		panic(fmt.Sprintf("ir: definition %q added to a frozen table", name))
	}
	if _, ok := d.index[name]; ok {
		panic(fmt.Sprintf("ir: duplicate definition %q", name))
	}
	d.index[name] = len(d.entries)
	d.entries = append(d.entries, Def{Name: name, Value: e})
}

// Freeze makes the table read-only.
func (d *Defs) Freeze() { d.frozen = true }

// Frozen reports whether Freeze was called.
func (d *Defs) Frozen() bool { return d.frozen }

// Len returns the number of definitions.
func (d *Defs) Len() int { return len(d.entries) }

// Lookup returns the definition of name.
func (d *Defs) Lookup(name string) (Def, bool) {
	i, ok := d.index[name]
	if !ok {
		return Def{}, false
	}
	return d.entries[i], true
}

// Has reports whether name is defined.
func (d *Defs) Has(name string) bool {
	_, ok := d.index[name]
	return ok
}

// Names returns the names in emission order.
func (d *Defs) Names() []string {
	names := make([]string, len(d.entries))
	for i, e := range d.entries {
		names[i] = e.Name
	}
	return names
}

// Entries returns a copy of the definitions in emission order.
func (d *Defs) Entries() []Def {
	out := make([]Def, len(d.entries))
	copy(out, d.entries)
	return out
}

// Eval evaluates one definition.
func (d *Defs) Eval(name string) (int, error) {
	vals, err := d.Resolve()
	if err != nil {
		return 0, err
	}
	v, ok := vals[name]
	if !ok {
		return 0, fmt.Errorf("%w: unknown name %q", ErrNotConstant, name)
	}
	return v, nil
}

// MustEval is Eval for names the caller has just defined.
func (d *Defs) MustEval(name string) int {
	v, err := d.Eval(name)
	if err != nil {
		panic(err)
	}
	return v
}

// Resolve evaluates every definition in order. An expression may only refer
// to names defined before it.
func (d *Defs) Resolve() (map[string]int, error) {
	vals := make(map[string]int, len(d.entries))
	env := func(name string) (int, bool) {
		v, ok := vals[name]
		return v, ok
	}
	for _, e := range d.entries {
		v, err := EvalInt(e.Value, env)
		if err != nil {
			return nil, fmt.Errorf("definition %s: %w", e.Name, err)
		}
		vals[e.Name] = v
	}
	return vals, nil
}

// String renders the table one "name value" pair per line.
func (d *Defs) String() string {
	var b []byte
	for _, e := range d.entries {
		b = append(b, e.Name...)
		b = append(b, ' ')
		b = append(b, e.Text()...)
		b = append(b, '\n')
	}
	return string(b)
}
