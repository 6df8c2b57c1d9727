// Package availability implements the peer data exchange protocol: peers
// subscribe to notifications about which byte ranges of an object
// (a file or a patch) another peer already holds, and request those
// ranges over the same channel, so the download manager can pick a
// supplier for each missing range (spec §4.4).
package availability

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// magicCookie is the first field of every frame body, right after the
// length prefix; a frame whose cookie does not match is rejected with
// an error rather than parsed.
const magicCookie uint32 = 0x7a52fa73

// MaxBatch bounds how many sub-messages one frame may carry.
const MaxBatch = 100

// ObjType says whether an object id names a whole-file copy (keyed by
// content hash) or a patch (keyed by patch uuid).
type ObjType uint8

const (
	ObjFile ObjType = iota + 1
	ObjPatch
)

// MsgType tags each sub-message so the reader knows which fields are
// meaningful without a schema registry.
type MsgType uint8

const (
	MsgRequest     MsgType = iota + 1 // subscribe to an object's availability
	MsgAbort                          // unsubscribe
	MsgInfo                           // availability ranges for an object
	MsgFailure                        // the info request could not be served
	MsgDataRequest                    // fetch length bytes at offset
	MsgDataResponse                   // the bytes themselves
	MsgDataAbort                      // cancel an outstanding data request
	MsgDataFailure                    // the data request could not be served
)

// Range is a contiguous byte span, expressed as the consumer-visible
// (offset, length) pair the original implementation passes around.
type Range struct {
	Offset int64
	Length int64
}

// Envelope is one sub-message. A wire frame carries between one and
// MaxBatch of them, all sharing the frame's magic cookie and length
// prefix; batching many subscriptions into one frame is what keeps the
// 5-second availability flush from producing hundreds of tiny sends.
type Envelope struct {
	Type    MsgType
	ObjType ObjType
	ObjID   string
	Ranges  []Range // MsgInfo
	Offset  int64   // MsgData*
	Length  int64   // MsgDataRequest/MsgDataResponse
	Data    []byte  // MsgDataResponse
	ErrCode int32   // MsgFailure/MsgDataFailure
	ErrMsg  string  // MsgFailure/MsgDataFailure
}

// Encode writes a frame containing just this envelope.
func (e *Envelope) Encode(w io.Writer) error {
	return EncodeBatch(w, []*Envelope{e})
}

// EncodeBatch writes one frame carrying all of envs, which must number
// between 1 and MaxBatch.
func EncodeBatch(w io.Writer, envs []*Envelope) error {
	if len(envs) == 0 || len(envs) > MaxBatch {
		return fmt.Errorf("availability: batch of %d envelopes (want 1..%d)", len(envs), MaxBatch)
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, magicCookie)       //nolint:errcheck
	binary.Write(&buf, binary.BigEndian, uint16(len(envs))) //nolint:errcheck
	for _, e := range envs {
		if err := e.encodeBody(&buf); err != nil {
			return err
		}
	}

	if err := binary.Write(w, binary.BigEndian, uint32(buf.Len())); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func (e *Envelope) encodeBody(buf *bytes.Buffer) error {
	buf.WriteByte(byte(e.Type))
	buf.WriteByte(byte(e.ObjType))
	writeString(buf, e.ObjID)

	if err := binary.Write(buf, binary.BigEndian, uint32(len(e.Ranges))); err != nil {
		return err
	}
	for _, r := range e.Ranges {
		binary.Write(buf, binary.BigEndian, r.Offset) //nolint:errcheck
		binary.Write(buf, binary.BigEndian, r.Length) //nolint:errcheck
	}

	binary.Write(buf, binary.BigEndian, e.Offset) //nolint:errcheck
	binary.Write(buf, binary.BigEndian, e.Length) //nolint:errcheck

	if err := binary.Write(buf, binary.BigEndian, uint32(len(e.Data))); err != nil {
		return err
	}
	buf.Write(e.Data)

	binary.Write(buf, binary.BigEndian, e.ErrCode) //nolint:errcheck
	writeString(buf, e.ErrMsg)
	return nil
}

// Decode reads one frame from r and returns its sub-messages.
func Decode(r io.Reader) ([]*Envelope, error) {
	var frameLen uint32
	if err := binary.Read(r, binary.BigEndian, &frameLen); err != nil {
		return nil, err
	}
	body := make([]byte, frameLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	buf := bytes.NewReader(body)

	var cookie uint32
	if err := binary.Read(buf, binary.BigEndian, &cookie); err != nil {
		return nil, err
	}
	if cookie != magicCookie {
		return nil, fmt.Errorf("availability: bad magic cookie %#x", cookie)
	}

	var count uint16
	if err := binary.Read(buf, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	if count == 0 || count > MaxBatch {
		return nil, fmt.Errorf("availability: frame with %d envelopes (want 1..%d)", count, MaxBatch)
	}

	envs := make([]*Envelope, 0, count)
	for i := 0; i < int(count); i++ {
		env, err := decodeBody(buf)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

func decodeBody(buf *bytes.Reader) (*Envelope, error) {
	typeByte, err := buf.ReadByte()
	if err != nil {
		return nil, err
	}
	objTypeByte, err := buf.ReadByte()
	if err != nil {
		return nil, err
	}

	env := &Envelope{Type: MsgType(typeByte), ObjType: ObjType(objTypeByte)}
	if env.ObjID, err = readString(buf); err != nil {
		return nil, err
	}

	var rangeCount uint32
	if err := binary.Read(buf, binary.BigEndian, &rangeCount); err != nil {
		return nil, err
	}
	if rangeCount > 0 {
		env.Ranges = make([]Range, rangeCount)
		for i := range env.Ranges {
			if err := binary.Read(buf, binary.BigEndian, &env.Ranges[i].Offset); err != nil {
				return nil, err
			}
			if err := binary.Read(buf, binary.BigEndian, &env.Ranges[i].Length); err != nil {
				return nil, err
			}
		}
	}

	if err := binary.Read(buf, binary.BigEndian, &env.Offset); err != nil {
		return nil, err
	}
	if err := binary.Read(buf, binary.BigEndian, &env.Length); err != nil {
		return nil, err
	}

	var dataLen uint32
	if err := binary.Read(buf, binary.BigEndian, &dataLen); err != nil {
		return nil, err
	}
	if dataLen > 0 {
		env.Data = make([]byte, dataLen)
		if _, err := io.ReadFull(buf, env.Data); err != nil {
			return nil, err
		}
	}

	if err := binary.Read(buf, binary.BigEndian, &env.ErrCode); err != nil {
		return nil, err
	}
	if env.ErrMsg, err = readString(buf); err != nil {
		return nil, err
	}
	return env, nil
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.BigEndian, uint32(len(s))) //nolint:errcheck
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	bs := make([]byte, n)
	if _, err := io.ReadFull(r, bs); err != nil {
		return "", err
	}
	return string(bs), nil
}
