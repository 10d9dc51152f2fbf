package nats

import (
	"errors"
	"strings"
)

// Subjects used between run clients and the service. Each run gets a
// stream ID from stream.init and then uses subjects under stream.<id>.
const (
	SubjectStreamInit = "stream.init"

	KindRecord   = "record"
	KindRequest  = "request"
	KindTeardown = "teardown"
)

// ErrBadSubject is returned for subjects that are not stream subjects
var ErrBadSubject = errors.New("invalid stream subject")

// SubjectRecord is where clients publish records that need no reply
func SubjectRecord(streamID string) string {
	return "stream." + streamID + "." + KindRecord
}

// SubjectRequest is used for records that expect a result
func SubjectRequest(streamID string) string {
	return "stream." + streamID + "." + KindRequest
}

// SubjectTeardown stops a stream
func SubjectTeardown(streamID string) string {
	return "stream." + streamID + "." + KindTeardown
}

// SubjectAllStreams matches the record, request and teardown subjects of
// every stream. A single subscription keeps the messages of a run in order.
func SubjectAllStreams() string {
	return "stream.*.*"
}

// DecodeStreamSubject returns the stream ID and kind from a stream subject
func DecodeStreamSubject(subject string) (string, string, error) {
	chunks := strings.Split(subject, ".")
	if len(chunks) != 3 || chunks[0] != "stream" || chunks[1] == "" {
		return "", "", ErrBadSubject
	}

	switch chunks[2] {
	case KindRecord, KindRequest, KindTeardown:
		return chunks[1], chunks[2], nil
	}

	return "", "", ErrBadSubject
}
