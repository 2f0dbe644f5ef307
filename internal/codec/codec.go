package codec

import (
	"errors"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// blobVersion tags every encoded descriptor so the wire format can evolve
// without guessing at old payloads.
const blobVersion byte = 1

// ErrCorruptBlob is returned when a stored blob cannot be decoded. Bulk
// loaders are expected to log it and skip the record rather than abort.
var ErrCorruptBlob = errors.New("corrupt item blob")

// ItemDescriptor is the opaque payload the engine stores and moves. The
// engine never interprets it; the calling game layer owns its meaning.
type ItemDescriptor struct {
	TypeID   string            `msgpack:"type_id"`
	Quantity int64             `msgpack:"quantity"`
	Meta     map[string]string `msgpack:"meta,omitempty"`
}

// Equal reports whether two descriptors carry identical content.
func (d ItemDescriptor) Equal(other ItemDescriptor) bool {
	if d.TypeID != other.TypeID || d.Quantity != other.Quantity {
		return false
	}
	if len(d.Meta) != len(other.Meta) {
		return false
	}
	for k, v := range d.Meta {
		if ov, ok := other.Meta[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// String renders a compact human-readable form for logs.
func (d ItemDescriptor) String() string {
	if len(d.Meta) == 0 {
		return fmt.Sprintf("%s x%d", d.TypeID, d.Quantity)
	}
	keys := make([]string, 0, len(d.Meta))
	for k := range d.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("%s x%d +%d meta", d.TypeID, d.Quantity, len(keys))
}

// Encode serializes a descriptor into a storage-safe, version-tagged blob.
func Encode(d ItemDescriptor) ([]byte, error) {
	if d.TypeID == "" {
		return nil, errors.New("item descriptor requires a type id")
	}
	payload, err := msgpack.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode item descriptor: %w", err)
	}
	blob := make([]byte, 0, len(payload)+1)
	blob = append(blob, blobVersion)
	blob = append(blob, payload...)
	return blob, nil
}

// Decode restores a descriptor from a blob produced by Encode.
// Decode(Encode(x)) yields x for every valid descriptor.
func Decode(blob []byte) (ItemDescriptor, error) {
	if len(blob) < 2 {
		return ItemDescriptor{}, fmt.Errorf("%w: blob too short (%d bytes)", ErrCorruptBlob, len(blob))
	}
	if blob[0] != blobVersion {
		return ItemDescriptor{}, fmt.Errorf("%w: unknown blob version %d", ErrCorruptBlob, blob[0])
	}
	var d ItemDescriptor
	if err := msgpack.Unmarshal(blob[1:], &d); err != nil {
		return ItemDescriptor{}, fmt.Errorf("%w: %v", ErrCorruptBlob, err)
	}
	if d.TypeID == "" {
		return ItemDescriptor{}, fmt.Errorf("%w: missing type id", ErrCorruptBlob)
	}
	return d, nil
}

// EncodeAll encodes a batch of descriptors, failing on the first bad one.
func EncodeAll(descriptors []ItemDescriptor) ([][]byte, error) {
	blobs := make([][]byte, 0, len(descriptors))
	for i, d := range descriptors {
		blob, err := Encode(d)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		blobs = append(blobs, blob)
	}
	return blobs, nil
}
