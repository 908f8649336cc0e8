package gob

import stdgob "encoding/gob"

// Error is the message of an error that crossed a gob boundary. The type of
// the original error is lost.
type Error string

func (e Error) Error() string {
	return string(e)
}

func init() {
	stdgob.Register(Error(""))
}
