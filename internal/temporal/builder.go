package temporal

import "fmt"

// Builder collects positional query arguments. Placeholders carry explicit
// indexes, so clauses can be rendered in any order after their arguments
// are registered.
type Builder struct {
	args []any
}

func NewBuilder() *Builder {
	return &Builder{args: make([]any, 0)}
}

// AddArg registers a value and returns its 1-based argument index.
func (b *Builder) AddArg(value any) int {
	b.args = append(b.args, value)
	return len(b.args)
}

// Placeholder renders the positional placeholder for an argument index.
func (b *Builder) Placeholder(idx int) string {
	return fmt.Sprintf("$%d", idx)
}

// Args returns the collected arguments in placeholder order.
func (b *Builder) Args() []any {
	return b.args
}
