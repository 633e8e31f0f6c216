package canonicaljson

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeys(t *testing.T) {
	out, err := Marshal(map[string]interface{}{
		"zeta":  1,
		"alpha": 2,
		"mid":   map[string]interface{}{"b": 1, "a": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mid":{"a":2,"b":1},"zeta":1}`, string(out))
}

func TestMarshal_DeterministicAcrossKeyOrder(t *testing.T) {
	// Decode the same document twice from differently ordered JSON text and
	// confirm both canonicalize to identical bytes.
	doc1 := `{"b": [1, 2.5, {"y": null, "x": "é"}], "a": true}`
	doc2 := `{"a": true, "b": [1, 2.5, {"x": "é", "y": null}]}`

	var v1, v2 interface{}
	require.NoError(t, json.Unmarshal([]byte(doc1), &v1))
	require.NoError(t, json.Unmarshal([]byte(doc2), &v2))

	out1, err := Marshal(v1)
	require.NoError(t, err)
	out2, err := Marshal(v2)
	require.NoError(t, err)
	assert.Equal(t, string(out1), string(out2))
}

func TestMarshal_NumberNormalization(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"integer stays integer", `{"n": 42}`, `{"n":42}`},
		{"integral float collapses", `{"n": 100.0}`, `{"n":100}`},
		{"exponent collapses", `{"n": 1e3}`, `{"n":1000}`},
		{"negative integral float", `{"n": -7.0}`, `{"n":-7}`},
		{"fraction rounds to ten places", `{"n": 0.12345678901234}`, `{"n":0.123456789}`},
		{"trailing zeros trimmed", `{"n": 2.50}`, `{"n":2.5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v interface{}
			require.NoError(t, json.Unmarshal([]byte(tt.in), &v))
			out, err := Marshal(v)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

func TestMarshal_NullPreserved(t *testing.T) {
	out, err := Marshal(map[string]interface{}{"a": nil})
	require.NoError(t, err)
	assert.Equal(t, `{"a":null}`, string(out))
}

func TestMarshal_ASCIIEscapes(t *testing.T) {
	out, err := Marshal(map[string]interface{}{"s": "naïve\n✓"})
	require.NoError(t, err)
	assert.Equal(t, `{"s":"na\u00efve\n\u2713"}`, string(out))
}

func TestMarshal_SupplementaryPlane(t *testing.T) {
	// U+1D11E musical G clef encodes as a UTF-16 surrogate pair.
	out, err := Marshal("\U0001d11e")
	require.NoError(t, err)
	assert.Equal(t, `"\ud834\udd1e"`, string(out))
}

func TestMarshal_TimeRFC3339UTC(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	ts := time.Date(2026, 3, 14, 15, 9, 26, 0, loc)
	out, err := Marshal(ts)
	require.NoError(t, err)
	assert.Equal(t, `"2026-03-14T14:09:26Z"`, string(out))
}

func TestMarshal_StructTagsApply(t *testing.T) {
	type payload struct {
		Amount   float64 `json:"amount"`
		Currency string  `json:"currency"`
		Skip     string  `json:"skip,omitempty"`
	}
	out, err := Marshal(payload{Amount: 10.0, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, `{"amount":10,"currency":"USD"}`, string(out))
}

func TestHash_StableAndDistinct(t *testing.T) {
	h1, err := Hash(map[string]interface{}{"amount": 100, "to": "user@example.com"})
	require.NoError(t, err)
	h2, err := Hash(map[string]interface{}{"to": "user@example.com", "amount": 100.0})
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "key order and numeric form must not change the hash")

	h3, err := Hash(map[string]interface{}{"to": "attacker@example.com", "amount": 100})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64)
}
