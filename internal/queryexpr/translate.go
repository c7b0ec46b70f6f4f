package queryexpr

import (
	"fmt"
	"sort"
	"strings"
)

// TranslationError is a fatal, pre-query error: an unsupported operator, a
// shape mismatch, or a reactive field reference where only a literal is
// allowed. The caller must not issue any query when this is returned.
type TranslationError struct {
	Reason string
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("queryexpr: translation failed: %s", e.Reason)
}

// TableRef names the table a query targets. Relation marks an edge table,
// whose from/to field paths are rewritten to the remote's in/out.
type TableRef struct {
	Name     string
	Relation bool
}

func rewriteField(t TableRef, field string) string {
	if !t.Relation {
		return field
	}
	switch field {
	case "from":
		return "in"
	case "to":
		return "out"
	default:
		return field
	}
}

// Translate compiles expr into a parameterized query fragment and its
// bound arguments, in that argument order.
func Translate(t TableRef, expr Expr) (string, []any, error) {
	if expr == nil {
		return "", nil, nil
	}
	var args []any
	sql, err := translate(t, expr, &args)
	if err != nil {
		return "", nil, err
	}
	return sql, args, nil
}

func translate(t TableRef, expr Expr, args *[]any) (string, error) {
	switch e := expr.(type) {
	case And:
		return joinLogical(t, e.Exprs, "AND", args)
	case Or:
		return joinLogical(t, e.Exprs, "OR", args)
	case Not:
		inner, err := translate(t, e.Expr, args)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case Cmp:
		return translateCmp(t, e, args)
	case In:
		return translateIn(t, e, args)
	case IsNull:
		return rewriteField(t, e.Field) + " IS NULL", nil
	case IsNone:
		return rewriteField(t, e.Field) + " IS NONE", nil
	default:
		return "", &TranslationError{Reason: fmt.Sprintf("unsupported expression node %T", expr)}
	}
}

func joinLogical(t TableRef, exprs []Expr, joiner string, args *[]any) (string, error) {
	if len(exprs) == 0 {
		return "", &TranslationError{Reason: joiner + " with no operands"}
	}
	parts := make([]string, 0, len(exprs))
	for _, e := range exprs {
		part, err := translate(t, e, args)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+part+")")
	}
	return strings.Join(parts, " "+joiner+" "), nil
}

func translateCmp(t TableRef, c Cmp, args *[]any) (string, error) {
	if _, isRef := c.Value.(FieldRef); isRef {
		return "", &TranslationError{Reason: fmt.Sprintf("field %q: reactive field reference not allowed on right-hand side", c.Field)}
	}

	field := rewriteField(t, c.Field)

	switch c.Op {
	case OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte:
		*args = append(*args, c.Value)
		return fmt.Sprintf("%s %s $%d", field, c.Op, len(*args)), nil
	case OpLike:
		*args = append(*args, c.Value)
		return fmt.Sprintf("%s LIKE $%d", field, len(*args)), nil
	case OpILike:
		strVal, ok := c.Value.(string)
		if !ok {
			return "", &TranslationError{Reason: "ILIKE requires a string literal"}
		}
		*args = append(*args, strings.ToLower(strVal))
		return fmt.Sprintf("string::lower(%s) LIKE $%d", field, len(*args)), nil
	default:
		return "", &TranslationError{Reason: fmt.Sprintf("unsupported operator %q", c.Op)}
	}
}

func translateIn(t TableRef, in In, args *[]any) (string, error) {
	if len(in.Values) == 0 {
		return "false", nil
	}
	field := rewriteField(t, in.Field)
	placeholders := make([]string, len(in.Values))
	for i, v := range in.Values {
		*args = append(*args, v)
		placeholders[i] = fmt.Sprintf("$%d", len(*args))
	}
	return fmt.Sprintf("%s IN [%s]", field, strings.Join(placeholders, ", ")), nil
}

// TranslateOrder compiles order clauses into a SurrealQL ORDER BY suffix.
func TranslateOrder(t TableRef, order []OrderClause) string {
	if len(order) == 0 {
		return ""
	}
	parts := make([]string, 0, len(order))
	for _, o := range order {
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		parts = append(parts, rewriteField(t, o.Field)+" "+dir)
	}
	return "ORDER BY " + strings.Join(parts, ", ")
}

// CanonicalKey reduces a Subset to a stable string suitable for cache
// keying and live-gating. It is stable across Go map
// iteration order because field order in logical nodes is source order
// (already deterministic) and only IN-list and map-shaped values would
// otherwise be order-sensitive; this representation walks the expression
// tree directly rather than through a map.
func CanonicalKey(t TableRef, s Subset) (string, error) {
	var b strings.Builder
	b.WriteString(t.Name)
	if t.Relation {
		b.WriteString("@rel")
	}
	b.WriteByte('|')

	if s.Where != nil {
		if err := canonicalizeExpr(&b, t, s.Where); err != nil {
			return "", err
		}
	}
	b.WriteByte('|')

	orders := make([]OrderClause, len(s.Order))
	copy(orders, s.Order)
	for _, o := range orders {
		b.WriteString(rewriteField(t, o.Field))
		if o.Desc {
			b.WriteString(" DESC,")
		} else {
			b.WriteString(" ASC,")
		}
	}
	fmt.Fprintf(&b, "|limit=%d|offset=%d", s.Limit, s.Offset)
	if s.Cursor != nil {
		fmt.Fprintf(&b, "|cursor=%s", *s.Cursor)
	}
	return b.String(), nil
}

func canonicalizeExpr(b *strings.Builder, t TableRef, expr Expr) error {
	switch e := expr.(type) {
	case And:
		return canonicalizeLogical(b, t, "AND", e.Exprs)
	case Or:
		return canonicalizeLogical(b, t, "OR", e.Exprs)
	case Not:
		b.WriteString("NOT(")
		if err := canonicalizeExpr(b, t, e.Expr); err != nil {
			return err
		}
		b.WriteByte(')')
		return nil
	case Cmp:
		if _, isRef := e.Value.(FieldRef); isRef {
			return &TranslationError{Reason: fmt.Sprintf("field %q: reactive field reference not allowed on right-hand side", e.Field)}
		}
		fmt.Fprintf(b, "%s%s%v", rewriteField(t, e.Field), e.Op, e.Value)
		return nil
	case In:
		vals := make([]string, len(e.Values))
		for i, v := range e.Values {
			vals[i] = fmt.Sprintf("%v", v)
		}
		sort.Strings(vals)
		fmt.Fprintf(b, "%s IN [%s]", rewriteField(t, e.Field), strings.Join(vals, ","))
		return nil
	case IsNull:
		fmt.Fprintf(b, "%s IS NULL", rewriteField(t, e.Field))
		return nil
	case IsNone:
		fmt.Fprintf(b, "%s IS NONE", rewriteField(t, e.Field))
		return nil
	default:
		return &TranslationError{Reason: fmt.Sprintf("unsupported expression node %T", expr)}
	}
}

func canonicalizeLogical(b *strings.Builder, t TableRef, joiner string, exprs []Expr) error {
	b.WriteByte('(')
	for i, e := range exprs {
		if i > 0 {
			b.WriteString(" " + joiner + " ")
		}
		if err := canonicalizeExpr(b, t, e); err != nil {
			return err
		}
	}
	b.WriteByte(')')
	return nil
}
