// Package queryexpr defines a where-expression AST and a translator that
// compiles it into a parameterized, SurrealQL-shaped query string. The AST
// is a tree so AND/OR/NOT can nest arbitrarily.
package queryexpr

// Op is a comparison operator.
type Op string

const (
	OpEq   Op = "="
	OpNeq  Op = "!="
	OpLt   Op = "<"
	OpLte  Op = "<="
	OpGt   Op = ">"
	OpGte  Op = ">="
	OpLike Op = "LIKE"
	// OpILike compares case-insensitively, via string::lower on both sides.
	OpILike Op = "ILIKE"
)

// Expr is a node in a where-expression tree.
type Expr interface {
	isExpr()
}

// And is a conjunction of sub-expressions.
type And struct{ Exprs []Expr }

// Or is a disjunction of sub-expressions.
type Or struct{ Exprs []Expr }

// Not negates a sub-expression.
type Not struct{ Expr Expr }

// Cmp compares a field against a literal value.
type Cmp struct {
	Field string
	Op    Op
	Value any
}

// In tests field membership in a literal list. An empty list always
// translates to a constant false.
type In struct {
	Field  string
	Values []any
}

// IsNull tests whether field is SQL NULL.
type IsNull struct{ Field string }

// IsNone tests whether field is undefined/absent (remote's NONE), distinct
// from NULL.
type IsNone struct{ Field string }

// FieldRef marks a value as a reference to another field rather than a
// literal, so the translator can reject reactive field references on a
// comparison's right-hand side.
type FieldRef struct{ Name string }

func (And) isExpr()      {}
func (Or) isExpr()       {}
func (Not) isExpr()      {}
func (Cmp) isExpr()      {}
func (In) isExpr()       {}
func (IsNull) isExpr()   {}
func (IsNone) isExpr()   {}

// OrderClause sorts the result set.
type OrderClause struct {
	Field string
	Desc  bool
}

// Subset is an opaque predicate descriptor: a where-expression tree plus
// ordering and paging, reduced to a stable canonical string for caching
// and live-gating.
type Subset struct {
	Where  Expr
	Order  []OrderClause
	Limit  int
	Offset int
	Cursor *string
}
