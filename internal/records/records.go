// Package records defines the UploadRecord payload variants that travel
// inside a queue.QueueRecord (spec §3): a one-byte tag followed by a
// variant-specific encoding. Every subsystem that enqueues work (the
// coredump handler, the reboot tracker, the attributes façade) encodes
// through this package; the daemon's main pump decodes through it to
// dispatch to the upload pipeline.
package records

import (
	"encoding/binary"

	"github.com/memfault/memfaultd/internal/merrors"
)

// Tag identifies which UploadRecord variant a payload carries.
type Tag byte

const (
	TagRebootEvent Tag = 1
	TagCoreUpload  Tag = 2
	TagAttributes  Tag = 3
)

// RebootEvent carries a verbatim JSON body posted to /api/v0/events.
type RebootEvent struct {
	JSON string
}

// CoreUpload references a completed coredump artifact on disk, awaiting the
// three-step large-file upload.
type CoreUpload struct {
	Filepath string
	Gzipped  bool
}

// Attributes carries a timestamped JSON array body posted to the
// attributes endpoint.
type Attributes struct {
	Timestamp int64
	JSONArray string
}

// EncodeRebootEvent serializes a RebootEvent as a tagged queue payload.
func EncodeRebootEvent(r RebootEvent) []byte {
	buf := make([]byte, 1+len(r.JSON))
	buf[0] = byte(TagRebootEvent)
	copy(buf[1:], r.JSON)
	return buf
}

// EncodeCoreUpload serializes a CoreUpload as a tagged queue payload:
// tag, 1-byte gzipped flag, then the UTF-8 filepath.
func EncodeCoreUpload(c CoreUpload) []byte {
	buf := make([]byte, 2+len(c.Filepath))
	buf[0] = byte(TagCoreUpload)
	if c.Gzipped {
		buf[1] = 1
	}
	copy(buf[2:], c.Filepath)
	return buf
}

// EncodeAttributes serializes an Attributes record as a tagged queue
// payload: tag, 8-byte little-endian timestamp, then the JSON array body.
func EncodeAttributes(a Attributes) []byte {
	buf := make([]byte, 9+len(a.JSONArray))
	buf[0] = byte(TagAttributes)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(a.Timestamp))
	copy(buf[9:], a.JSONArray)
	return buf
}

// Decode inspects payload's tag byte and returns the decoded variant as one
// of *RebootEvent, *CoreUpload, or *Attributes.
func Decode(payload []byte) (Tag, any, error) {
	if len(payload) == 0 {
		return 0, nil, merrors.New("records.decode", merrors.ErrCodeIPCMalformed, "empty record payload")
	}
	tag := Tag(payload[0])
	body := payload[1:]

	switch tag {
	case TagRebootEvent:
		return tag, &RebootEvent{JSON: string(body)}, nil
	case TagCoreUpload:
		if len(body) < 1 {
			return 0, nil, merrors.New("records.decode", merrors.ErrCodeIPCMalformed, "truncated CoreUpload record")
		}
		return tag, &CoreUpload{Gzipped: body[0] != 0, Filepath: string(body[1:])}, nil
	case TagAttributes:
		if len(body) < 8 {
			return 0, nil, merrors.New("records.decode", merrors.ErrCodeIPCMalformed, "truncated Attributes record")
		}
		ts := int64(binary.LittleEndian.Uint64(body[0:8]))
		return tag, &Attributes{Timestamp: ts, JSONArray: string(body[8:])}, nil
	default:
		return 0, nil, merrors.New("records.decode", merrors.ErrCodeIPCMalformed, "unknown record tag")
	}
}
