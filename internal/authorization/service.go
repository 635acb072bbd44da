package authorization

import "context"

// Service decides whether an authenticated actor may perform an action.
type Service interface {
	Authorize(ctx context.Context, actor string, role string, object string, action string) error
}
