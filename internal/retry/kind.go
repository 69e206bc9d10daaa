package retry

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// Kind classifies a failure for retry purposes.
type Kind string

const (
	Transient    Kind = "transient"
	Permanent    Kind = "permanent"
	Verification Kind = "verification"
	Conflict     Kind = "conflict"
	Environment  Kind = "environment"
)

// Kinded is implemented by errors that know their own Kind.
type Kinded interface {
	Kind() Kind
}

// Error wraps an error with a Kind.
type Error struct {
	K   Kind
	Err error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }
func (e *Error) Kind() Kind    { return e.K }

// Wrap attaches kind k to err.
func Wrap(k Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{K: k, Err: err}
}

// KindOf returns the kind of err. Typed errors win; otherwise the message
// is classified, falling back to Permanent.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	return Classify(err.Error(), Permanent)
}

// Pattern lists. Transient patterns are checked first so that, for
// example, "timeout while parsing" stays retryable.
var (
	transientPatterns = compile(
		`rate.?limit`,
		`\b429\b`,
		`too many requests`,
		`time(d)?.?out`,
		`deadline exceeded`,
		`connection (reset|refused|aborted)`,
		`broken pipe`,
		`temporar(y|ily) (failure|unavailable)`,
		`try again`,
		`\b50[234]\b`,
		`bad gateway`,
		`service unavailable`,
		`overloaded`,
		`i/o timeout`,
		`no such host`,
		`eof$`,
	)
	permanentPatterns = compile(
		`syntax ?error`,
		`schema validation`,
		`validation failed`,
		`invalid (json|yaml|schema)`,
		`assertion ?(error|failed|failure)`,
		`parse error`,
		`cannot parse`,
		`unexpected token`,
		`permission denied`,
		`not found`,
	)
)

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(`(?i)` + e)
	}
	return out
}

// Classify matches text against the pattern lists and returns fallback
// when nothing matches.
func Classify(text string, fallback Kind) Kind {
	text = strings.TrimSpace(text)
	for _, re := range transientPatterns {
		if re.MatchString(text) {
			return Transient
		}
	}
	for _, re := range permanentPatterns {
		if re.MatchString(text) {
			return Permanent
		}
	}
	return fallback
}

// ClassifyAll classifies several messages: any transient message makes
// the whole set transient, otherwise any permanent one makes it permanent.
func ClassifyAll(texts []string, fallback Kind) Kind {
	sawPermanent := false
	for _, t := range texts {
		switch Classify(t, "") {
		case Transient:
			return Transient
		case Permanent:
			sawPermanent = true
		}
	}
	if sawPermanent {
		return Permanent
	}
	return fallback
}
