// Package recovery contains panic containment used around calls into the
// external collaborators (cipher, header parser) the relay core depends on.
//
// The core runs on a single dispatch goroutine (see spec.md §5); a panicking
// collaborator must not take that goroutine down. Unlike a fire-and-forget
// goroutine wrapper, Guard turns a recovered panic into an error so the
// caller can still run its normal failure path (destroying the handler)
// instead of just logging and moving on.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Guard runs fn and converts any panic into an error, logging the panic
// value and stack trace first. Use it to wrap calls into the Encryptor or
// header parser collaborators:
//
//	if err := recovery.Guard(logger, "cipher.Decrypt", func() error {
//	    plain, decErr = enc.Decrypt(ciphertext)
//	    return decErr
//	}); err != nil {
//	    h.fail("decrypt", err)
//	}
func Guard(logger *slog.Logger, component string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic recovered",
				"component", component,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()))
			err = fmt.Errorf("%s: panic: %v", component, r)
		}
	}()
	return fn()
}
