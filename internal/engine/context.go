package engine

import "context"

type evalTagsKey struct{}

// WithEvalTags attaches engine-level tags to an evaluation request. The
// tags are stamped onto every signal the evaluation emits, before signing,
// and cannot be overridden by rule code. Used by the window manager to
// mark signals from age-out partial evaluations.
func WithEvalTags(ctx context.Context, tags map[string]any) context.Context {
	if len(tags) == 0 {
		return ctx
	}
	return context.WithValue(ctx, evalTagsKey{}, tags)
}

// EvalTags returns the tags attached by WithEvalTags, or nil.
func EvalTags(ctx context.Context) map[string]any {
	tags, _ := ctx.Value(evalTagsKey{}).(map[string]any)
	return tags
}
