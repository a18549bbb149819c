package rpcerr

import "wsrpc/message"

// ToMessage builds the error reply to request id. Untyped errors are sent as
// INTERNAL_ERROR.
func ToMessage(id string, err error) *message.Error {
	e := From(err)
	return &message.Error{
		Envelope: message.Envelope{MessageID: id, Timestamp: message.Now()},
		Code:     string(e.Code),
		Message:  e.Message,
		Details:  e.Details,
	}
}

// ToStreamMessage builds the stream_error that terminates streamID.
func ToStreamMessage(streamID string, err error) *message.StreamError {
	e := From(err)
	return &message.StreamError{
		Envelope: message.NewEnvelope(),
		StreamID: streamID,
		Code:     string(e.Code),
		Message:  e.Message,
		Details:  e.Details,
	}
}

// FromMessage converts a received error or stream_error into an *Error.
// Other variants return nil.
func FromMessage(m message.Message) *Error {
	switch v := m.(type) {
	case *message.Error:
		return &Error{Code: Code(v.Code), Message: v.Message, Details: v.Details}
	case *message.StreamError:
		return &Error{Code: Code(v.Code), Message: v.Message, Details: v.Details}
	}
	return nil
}
