package checkpoint

import "context"

type bindingKey struct{}

// WithWorkItem binds the executing work item id into ctx. The history
// pipeline's checkpoint stage saves under this binding; stages running
// outside a work item (tests, ad-hoc pipeline runs) see no binding and the
// stage becomes a no-op.
func WithWorkItem(ctx context.Context, workItemID string) context.Context {
	return context.WithValue(ctx, bindingKey{}, workItemID)
}

// WorkItemFromContext returns the bound work item id, if any.
func WorkItemFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(bindingKey{}).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
