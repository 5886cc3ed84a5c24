package format

import "errors"

// ErrBadSpec is a ConfigError: a malformed -f field specification. It is
// surfaced to the user before any sampling begins and is fatal.
var ErrBadSpec = errors.New("format: malformed field spec")
