// Package closeutil holds the store's destructor discipline: a cleanup
// path run during an error unwind must never itself panic or obscure the
// original error, so failures it encounters are logged and swallowed
// rather than propagated. Grounded on the original implementation's
// scope_guard (original_source/include/pstore/support/scope_guard.hpp).
package closeutil

import (
	"github.com/rs/zerolog/log"
)

// Swallow runs fn and logs, rather than returns, any error it produces. Use
// it for a cleanup step taken during an unwind already carrying its own
// error (closing a file after a failed Open, unlocking after a failed
// Commit) where returning a second error would only shadow the first.
func Swallow(what string, fn func() error) {
	if err := fn(); err != nil {
		log.Warn().Err(err).Str("during", what).Msg("cleanup failed")
	}
}

// Guard runs fn unless disarmed. Call the returned guard's Disarm method
// once the protected operation has succeeded; otherwise fn runs (via
// Swallow) when the deferred Run executes.
//
//	g := closeutil.Guard("allocate region", region.Close)
//	defer g.Run()
//	... fallible steps ...
//	g.Disarm()
func Guard(what string, fn func() error) *ScopeGuard {
	return &ScopeGuard{what: what, fn: fn, armed: true}
}

// ScopeGuard runs its cleanup function exactly once, unless disarmed,
// typically via a deferred call to Run.
type ScopeGuard struct {
	what  string
	fn    func() error
	armed bool
}

// Disarm prevents Run from invoking the cleanup function.
func (g *ScopeGuard) Disarm() { g.armed = false }

// Run invokes the cleanup function, via Swallow, if the guard has not been
// disarmed. It is intended to be called with defer immediately after Guard.
func (g *ScopeGuard) Run() {
	if g.armed {
		Swallow(g.what, g.fn)
	}
}
