// Package diffbelterr provides the uniform error taxonomy shared by every
// diffbelt package (§7 of the design spec): a small set of sentinel error
// kinds, plus a typed wrapper that attaches operation context (collection,
// key, generation) the way [*mddb.Error]-style wrappers do in the wider
// codebase this package was grown from.
package diffbelterr

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Callers classify errors with errors.Is.
var (
	ErrInputTooLarge     = errors.New("input too large")
	ErrMalformedKey       = errors.New("malformed key")
	ErrMalformedValue     = errors.New("malformed value")
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrGenerationMismatch = errors.New("generation mismatch")
	ErrCollectionInUse    = errors.New("collection in use")
	ErrCursorExpired      = errors.New("cursor expired")
	ErrStorage            = errors.New("storage error")
	ErrEval               = errors.New("eval error")
	ErrProtocol           = errors.New("protocol error")
	ErrTimeout            = errors.New("timeout")
	ErrCancelled          = errors.New("cancelled")
	ErrInternal           = errors.New("internal error")
)

// Error attaches operation context to one of the sentinel kinds above.
//
// Use [errors.As] to recover the structured fields, [errors.Is] to check
// against a sentinel kind.
type Error struct {
	// Kind is one of the sentinel errors in this package. Required.
	Kind error

	// Collection is the collection name the operation targeted, if any.
	Collection string

	// Key is the user key involved, if any. Stored as received (not
	// re-encoded) so error messages stay human readable.
	Key string

	// Generation is the generation id involved, if any.
	Generation string

	// Err is the underlying cause, if the kind alone doesn't say enough
	// (e.g. a wrapped storage engine error for ErrStorage).
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.Error()

	var ctx []string
	if e.Collection != "" {
		ctx = append(ctx, "collection="+e.Collection)
	}

	if e.Key != "" {
		ctx = append(ctx, "key="+e.Key)
	}

	if e.Generation != "" {
		ctx = append(ctx, "generation="+e.Generation)
	}

	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}

	if len(ctx) == 0 {
		return msg
	}

	out := msg + " ("
	for i, c := range ctx {
		if i > 0 {
			out += " "
		}

		out += c
	}

	return out + ")"
}

// Unwrap returns the sentinel kind first, so errors.Is(err, ErrNotFound)
// works without unwrapping through Err too. Go's errors.Is walks Unwrap
// chains depth-first per call, so we expose both through the
// multi-error Unwrap() []error form.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}

	return []error{e.Kind}
}

// Opt configures an Error during construction via [Wrap].
type Opt func(*Error)

// WithCollection attaches a collection name.
func WithCollection(name string) Opt { return func(e *Error) { e.Collection = name } }

// WithKey attaches a user key (rendered for diagnostics, not round-tripped).
func WithKey(key []byte) Opt {
	return func(e *Error) { e.Key = fmt.Sprintf("%q", key) }
}

// WithGeneration attaches a generation id (rendered for diagnostics).
func WithGeneration(gen []byte) Opt {
	return func(e *Error) { e.Generation = fmt.Sprintf("%q", gen) }
}

// WithCause attaches an underlying error, e.g. the storage engine's own error.
func WithCause(err error) Opt { return func(e *Error) { e.Err = err } }

// Wrap builds an *Error of the given kind with the supplied context.
func Wrap(kind error, opts ...Opt) *Error {
	e := &Error{Kind: kind}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Is reports whether err is (or wraps) the given sentinel kind.
func Is(err, kind error) bool { return errors.Is(err, kind) }
