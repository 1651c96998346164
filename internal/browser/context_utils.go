package browser

import "context"

// combineContext derives from tabCtx (which carries the CDP connection) a
// context that is also canceled when opCtx is canceled. chromedp requires
// running actions against the tab context, so the operational context cannot
// simply be passed through.
func combineContext(tabCtx, opCtx context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(tabCtx)

	go func() {
		select {
		case <-opCtx.Done():
			cancel()
		case <-combined.Done():
		}
	}()

	return combined, cancel
}
