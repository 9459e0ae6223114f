package dictionary

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		fn   func(*Dictionary)
	}{
		{"empty", func(d *Dictionary) {}},
		{"string", func(d *Dictionary) { d.SetString("UserName", "alice") }},
		{"bool", func(d *Dictionary) { d.SetBool("StoreSecret", true) }},
		{"ints", func(d *Dictionary) {
			d.Set("Id", NewUint32(42))
			d.Set("Type", NewInt32(-7))
			d.Set("Big", NewUint64(1<<40))
			d.Set("Signed", NewInt64(-(1 << 40)))
		}},
		{"string array", func(d *Dictionary) {
			d.Set("Realms", NewStringArray([]string{"realm-b", "realm-a"}))
		}},
		{"nested dictionary", func(d *Dictionary) {
			inner := New()
			inner.SetString("Nonce", "abc")
			d.Set("Cache", NewDictionary(inner))
		}},
		{"kitchen sink", func(d *Dictionary) {
			d.SetString("UserName", "alice")
			d.SetBool("StoreSecret", false)
			d.Set("Id", NewUint32(7))
			d.Set("Realms", NewStringArray([]string{"a", "b", "c"}))
			inner := New()
			inner.SetString("k", "v")
			d.Set("Nested", NewDictionary(inner))
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := New()
			tc.fn(d)

			encoded, err := Encode(d)
			require.NoError(t, err)

			decoded, err := Decode(encoded)
			require.NoError(t, err)

			assert.True(t, d.Equal(decoded), "decode(encode(d)) must equal d")
		})
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	d1 := New()
	d1.SetString("b", "2")
	d1.SetString("a", "1")
	d1.SetString("c", "3")

	d2 := New()
	d2.SetString("c", "3")
	d2.SetString("a", "1")
	d2.SetString("b", "2")

	e1, err := Encode(d1)
	require.NoError(t, err)
	e2, err := Encode(d2)
	require.NoError(t, err)

	assert.Equal(t, e1, e2, "key insertion order must not affect the wire form")
}

func TestValueEqual(t *testing.T) {
	assert.True(t, NewString("x").Equal(NewString("x")))
	assert.False(t, NewString("x").Equal(NewString("y")))
	assert.False(t, NewString("x").Equal(NewBool(true)))
	assert.True(t, NewStringArray([]string{"a", "b"}).Equal(NewStringArray([]string{"a", "b"})))
}

func TestJSONRoundTrip(t *testing.T) {
	d := New()
	d.SetString("UserName", "alice")
	d.Set("Realms", NewStringArray([]string{"a", "b"}))

	data, err := json.Marshal(d)
	require.NoError(t, err)

	var decoded Dictionary
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, d.Equal(&decoded))
}

func TestDictionaryCloneIsIndependent(t *testing.T) {
	d := New()
	d.SetString("k", "v")
	clone := d.Clone()
	clone.SetString("k", "changed")

	got, _ := d.GetString("k")
	assert.Equal(t, "v", got)
}
