package ir

// Walk visits stmts depth first in source order. Returning false from fn
// skips the children of the visited statement.
func Walk(stmts []Stmt, fn func(Stmt) bool) {
	for _, s := range stmts {
		if !fn(s) {
			continue
		}
		switch s := s.(type) {
		case For:
			Walk(s.Body, fn)
		case If:
			Walk(s.Then, fn)
			Walk(s.Else, fn)
		case Block:
			Walk(s.Body, fn)
		}
	}
}

// CountBarriers returns the number of barrier statements in stmts.
func CountBarriers(stmts []Stmt) int {
	n := 0
	Walk(stmts, func(s Stmt) bool {
		if _, ok := s.(Barrier); ok {
			n++
		}
		return true
	})
	return n
}

// Declares reports whether a Decl, Array or View named name appears in stmts.
func Declares(stmts []Stmt, name string) bool {
	found := false
	Walk(stmts, func(s Stmt) bool {
		switch s := s.(type) {
		case Decl:
			found = found || s.Name == name
		case Array:
			found = found || s.Name == name
		case View:
			found = found || s.Name == name
		}
		return !found
	})
	return found
}
