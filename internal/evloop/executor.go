package evloop

import "context"

// Executor accepts work from other goroutines. Both Loop and Manual
// implement it.
type Executor interface {
	Post(fn func())
	Call(ctx context.Context, fn func()) error
}

var (
	_ Clock    = (*Loop)(nil)
	_ Clock    = (*Manual)(nil)
	_ Executor = (*Loop)(nil)
	_ Executor = (*Manual)(nil)
)
