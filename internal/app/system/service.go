// Package system manages the lifecycle of long-running pricewatch components.
package system

import "context"

// Service is a lifecycle-managed component. Start must return once the
// component is running; Stop must release everything Start acquired.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
