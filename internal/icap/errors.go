package icap

import (
	"errors"
	"fmt"
)

var (
	// ErrFraming reports a malformed request line, an oversized header block
	// or an Encapsulated value without a single usable pair.
	ErrFraming = errors.New("icap: framing error")

	// ErrChunkFraming reports a chunked body that does not follow the
	// size/data/CRLF grammar.
	ErrChunkFraming = errors.New("icap: chunk framing error")

	// ErrOffsetInconsistency reports Encapsulated offsets that cannot describe
	// the sections actually carried. It also matches ErrFraming.
	ErrOffsetInconsistency = fmt.Errorf("%w: encapsulated offsets inconsistent", ErrFraming)

	ErrHeaderTooLarge  = fmt.Errorf("%w: header block too large", ErrFraming)
	ErrRequestComplete = errors.New("icap: request already complete")
	ErrNotContinuable  = errors.New("icap: request cannot continue")
	ErrUnknownStatus   = errors.New("icap: unknown status code")
)

type badStringError struct {
	what string
	str  string
}

func (e *badStringError) Error() string { return fmt.Sprintf("%s %q", e.what, e.str) }

func (e *badStringError) Unwrap() error { return ErrFraming }
