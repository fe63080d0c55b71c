package handler

import "context"

// NewWeb constructs the browser-worker backend. The project's server-side
// Go build has no browser event loop to target, so this is a thin shim over
// the goroutine backend: it satisfies workerType "web" for callers that
// came from a browser-oriented config without special-casing it, while the
// real postMessage-based backend lives in the eventual WASM/JS build of
// this package (out of scope here, see DESIGN.md).
func NewWeb(ctx context.Context, body WorkerBody) Transport {
	return NewGoroutine(ctx, body)
}
