package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

// encodeUnchecked builds a version-tagged blob without Encode's
// validation, for crafting corrupt-but-parseable payloads.
func encodeUnchecked(d ItemDescriptor) ([]byte, error) {
	payload, err := msgpack.Marshal(d)
	if err != nil {
		return nil, err
	}
	return append([]byte{blobVersion}, payload...), nil
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		item ItemDescriptor
	}{
		{"plain", ItemDescriptor{TypeID: "iron_ingot", Quantity: 1}},
		{"stack", ItemDescriptor{TypeID: "oak_plank", Quantity: 64}},
		{"with meta", ItemDescriptor{
			TypeID:   "enchanted_sword",
			Quantity: 1,
			Meta:     map[string]string{"enchant": "sharpness_5", "durability": "1561"},
		}},
		{"zero quantity", ItemDescriptor{TypeID: "token", Quantity: 0}},
		{"negative quantity passes through", ItemDescriptor{TypeID: "debt", Quantity: -3}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			blob, err := Encode(tc.item)
			require.NoError(t, err)

			decoded, err := Decode(blob)
			require.NoError(t, err)
			assert.True(t, tc.item.Equal(decoded), "decoded %v, want %v", decoded, tc.item)

			// A second round trip preserves the value as well.
			again, err := Encode(decoded)
			require.NoError(t, err)
			redecoded, err := Decode(again)
			require.NoError(t, err)
			assert.True(t, decoded.Equal(redecoded))
		})
	}
}

func TestEncodeRequiresTypeID(t *testing.T) {
	_, err := Encode(ItemDescriptor{Quantity: 3})
	require.Error(t, err)
}

func TestDecodeCorruptBlob(t *testing.T) {
	cases := []struct {
		name string
		blob []byte
	}{
		{"nil", nil},
		{"empty", []byte{}},
		{"too short", []byte{blobVersion}},
		{"unknown version", []byte{99, 0x81}},
		{"garbage payload", []byte{blobVersion, 0xff, 0x00, 0x13, 0x37}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.blob)
			require.ErrorIs(t, err, ErrCorruptBlob)
		})
	}
}

func TestDecodeRejectsMissingTypeID(t *testing.T) {
	blob, err := Encode(ItemDescriptor{TypeID: "x"})
	require.NoError(t, err)

	// A structurally valid payload that lost its type id is still corrupt.
	d, err := Decode(blob)
	require.NoError(t, err)
	d.TypeID = ""
	reblob, err := encodeUnchecked(d)
	require.NoError(t, err)
	_, err = Decode(reblob)
	require.ErrorIs(t, err, ErrCorruptBlob)
}

func TestEncodeAll(t *testing.T) {
	items := []ItemDescriptor{
		{TypeID: "a", Quantity: 1},
		{TypeID: "b", Quantity: 2},
	}
	blobs, err := EncodeAll(items)
	require.NoError(t, err)
	require.Len(t, blobs, 2)

	_, err = EncodeAll([]ItemDescriptor{{TypeID: "a", Quantity: 1}, {Quantity: 9}})
	require.Error(t, err)
}

func TestEqual(t *testing.T) {
	a := ItemDescriptor{TypeID: "a", Quantity: 1, Meta: map[string]string{"k": "v"}}
	assert.True(t, a.Equal(ItemDescriptor{TypeID: "a", Quantity: 1, Meta: map[string]string{"k": "v"}}))
	assert.False(t, a.Equal(ItemDescriptor{TypeID: "a", Quantity: 2, Meta: map[string]string{"k": "v"}}))
	assert.False(t, a.Equal(ItemDescriptor{TypeID: "a", Quantity: 1, Meta: map[string]string{"k": "w"}}))
	assert.False(t, a.Equal(ItemDescriptor{TypeID: "a", Quantity: 1}))
}
