package fragment

import (
	"errors"
	"fmt"
)

const (
	// TrailerLen is the msg_id byte plus the fragment_id byte.
	TrailerLen = 2

	FlagEnd uint8 = 0x80
	FlagAck uint8 = 0x40
	SeqMask uint8 = 0x3f

	// MaxSeq bounds a message at 64 fragments.
	MaxSeq = int(SeqMask)
)

var (
	ErrShortFrame      = errors.New("fragment: short frame")
	ErrMessageTooLarge = errors.New("fragment: message too large")
	ErrInvalidSize     = errors.New("fragment: invalid fragment size")
)

// Tag identifies one fragment awaiting acknowledgment.
type Tag struct {
	MsgID uint8
	Seq   uint8
}

func (t Tag) String() string {
	return fmt.Sprintf("%d/%d", t.MsgID, t.Seq)
}

// Fragment is one wire unit. ID is the fragment_id byte: END and ACK flags
// plus the 6-bit sequence number.
type Fragment struct {
	MsgID   uint8
	ID      uint8
	Payload []byte
}

func (f Fragment) Seq() uint8  { return f.ID & SeqMask }
func (f Fragment) IsEnd() bool { return f.ID&FlagEnd != 0 }
func (f Fragment) IsAck() bool { return f.ID&FlagAck != 0 }

// Tag drops the ACK bit so an ack and the fragment it answers share a key.
func (f Fragment) Tag() Tag {
	return Tag{MsgID: f.MsgID, Seq: f.Seq()}
}

// AckFor returns the empty-payload ack unit answering f.
func (f Fragment) AckFor() Fragment {
	return Fragment{MsgID: f.MsgID, ID: f.ID | FlagAck}
}

// Encode lays the fragment out as payload ++ msg_id ++ fragment_id.
func Encode(f Fragment) []byte {
	buf := make([]byte, len(f.Payload)+TrailerLen)
	n := copy(buf, f.Payload)
	buf[n] = f.MsgID
	buf[n+1] = f.ID
	return buf
}

func Decode(b []byte) (Fragment, error) {
	if len(b) < TrailerLen {
		return Fragment{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	n := len(b) - TrailerLen
	var payload []byte
	if n > 0 {
		payload = make([]byte, n)
		copy(payload, b[:n])
	}
	return Fragment{
		MsgID:   b[n],
		ID:      b[n+1],
		Payload: payload,
	}, nil
}

// Split slices payload into chunks of at most size bytes. The last chunk is
// always present, may be empty, and is the only one flagged END.
func Split(msgID uint8, payload []byte, size, maxFrags int) ([]Fragment, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	if maxFrags > MaxSeq+1 {
		maxFrags = MaxSeq + 1
	}
	count := Count(len(payload), size, maxFrags)
	if count > maxFrags {
		return nil, fmt.Errorf("%w: %d bytes needs %d fragments", ErrMessageTooLarge, len(payload), count)
	}

	out := make([]Fragment, 0, count)
	for i := 0; i < count; i++ {
		start := i * size
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}
		chunk := make([]byte, end-start)
		copy(chunk, payload[start:end])

		id := uint8(i) & SeqMask
		if i == count-1 {
			id |= FlagEnd
		}
		out = append(out, Fragment{MsgID: msgID, ID: id, Payload: chunk})
	}
	return out, nil
}

// Count is the number of fragments Split produces for n bytes. A message that
// is an exact multiple of size gets a trailing empty END fragment, unless that
// trailer would be fragment maxFrags+1; then the last full chunk carries END.
func Count(n, size, maxFrags int) int {
	full := n / size
	if n%size != 0 {
		return full + 1
	}
	if n > 0 && full == maxFrags {
		return full
	}
	return full + 1
}

// Join concatenates fragments in sequence order.
func Join(frags []Fragment) []byte {
	total := 0
	for _, f := range frags {
		total += len(f.Payload)
	}
	ordered := make([][]byte, len(frags))
	for _, f := range frags {
		seq := int(f.Seq())
		if seq < len(ordered) {
			ordered[seq] = f.Payload
		}
	}
	out := make([]byte, 0, total)
	for _, p := range ordered {
		out = append(out, p...)
	}
	return out
}
