package canonical_test

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmerrifield20/icn-node/internal/canonical"
)

func TestMarshal_sortsKeys(t *testing.T) {
	out, err := canonical.Marshal(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(out))
}

func TestMarshal_keyOrderIndependent(t *testing.T) {
	a := map[string]any{
		"from_org": "urn:coop:alpha",
		"lines":    []any{map[string]any{"sku": "x", "qty": 2}},
		"terms":    map[string]any{"net": 30, "currency": "EUR"},
	}
	b := map[string]any{
		"terms":    map[string]any{"currency": "EUR", "net": 30},
		"lines":    []any{map[string]any{"qty": 2, "sku": "x"}},
		"from_org": "urn:coop:alpha",
	}
	ca, err := canonical.Marshal(a)
	require.NoError(t, err)
	cb, err := canonical.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, ca, cb)
}

func TestMarshal_arrayOrderPreserved(t *testing.T) {
	out, err := canonical.Marshal([]any{3, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, `[3,1,2]`, string(out))
}

func TestMarshal_strings(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", `"hello"`},
		{"non-ascii kept raw", "café ✓", `"café ✓"`},
		{"html not escaped", "<a&b>", `"<a&b>"`},
		{"line separator kept raw", "a\u2028b", "\"a\u2028b\""},
		{"quote and backslash", `say "hi" \o/`, `"say \"hi\" \\o/"`},
		{"short escapes", "a\nb\tc\r", `"a\nb\tc\r"`},
		{"other control chars", "\x01\x1f", `"\u0001\u001f"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := canonical.Marshal(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(out))
		})
	}
}

func TestMarshal_numbers(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want string
	}{
		{"int", 42, "42"},
		{"negative int64", int64(-7), "-7"},
		{"uint8", uint8(200), "200"},
		{"integral float", 1500.0, "1500.0"},
		{"fraction", 0.1, "0.1"},
		{"zero float", 0.0, "0.0"},
		{"small decimal", 0.0001, "0.0001"},
		{"small exponent", 0.00001, "1e-05"},
		{"large exponent", 1e16, "1e+16"},
		{"just below exponent switch", 1234567890123456.0, "1234567890123456.0"},
		{"long large", 123456789012345678.0, "1.2345678901234568e+17"},
		{"integer literal", json.Number("1500"), "1500"},
		{"float literal", json.Number("1500.00"), "1500.0"},
		{"negative zero literal", json.Number("-0"), "0"},
		{"big integer literal", json.Number("123456789012345678901234567890"), "123456789012345678901234567890"},
		{"exponent literal", json.Number("2.5E3"), "2500.0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := canonical.Marshal(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(out))
		})
	}
}

func TestMarshal_rejectsNonFinite(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := canonical.Marshal(map[string]any{"total": f})
		var encErr *canonical.EncodingError
		require.True(t, errors.As(err, &encErr), "want EncodingError for %v, got %v", f, err)
		assert.Equal(t, "$.total", encErr.Path)
	}
}

func TestMarshal_rejectsInvalidUTF8(t *testing.T) {
	_, err := canonical.Marshal(map[string]any{"name": "bad\xffbytes"})
	var encErr *canonical.EncodingError
	assert.True(t, errors.As(err, &encErr))
}

func TestMarshal_rejectsCycles(t *testing.T) {
	m := map[string]any{}
	m["self"] = m
	_, err := canonical.Marshal(m)
	var encErr *canonical.EncodingError
	assert.True(t, errors.As(err, &encErr))
}

func TestMarshal_rejectsNonStringKeys(t *testing.T) {
	_, err := canonical.Marshal(map[int]string{1: "a"})
	var encErr *canonical.EncodingError
	assert.True(t, errors.As(err, &encErr))
}

type line struct {
	SKU      string  `json:"sku"`
	Quantity int     `json:"qty"`
	Price    float64 `json:"price"`
	Note     string  `json:"note,omitempty"`
}

func TestMarshal_structUsesJSONTags(t *testing.T) {
	out, err := canonical.Marshal(line{SKU: "flour", Quantity: 3, Price: 2.5})
	require.NoError(t, err)
	assert.Equal(t, `{"price":2.5,"qty":3,"sku":"flour"}`, string(out))
}

type tagged struct{ v string }

func (t tagged) CanonicalValue() any { return map[string]any{"value": t.v} }

func TestMarshal_valuer(t *testing.T) {
	out, err := canonical.Marshal([]any{tagged{v: "x"}, nil, true})
	require.NoError(t, err)
	assert.Equal(t, `[{"value":"x"},null,true]`, string(out))
}

func TestCanonicalize(t *testing.T) {
	out, err := canonical.Canonicalize([]byte(`{ "total": 1500, "from_org" : "urn:coop:a",
		"lines": [ {"qty": 1.50} ] }`))
	require.NoError(t, err)
	assert.Equal(t, `{"from_org":"urn:coop:a","lines":[{"qty":1.5}],"total":1500}`, string(out))
}

func TestParse_rejectsTrailingData(t *testing.T) {
	_, err := canonical.Parse([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)

	_, err = canonical.Parse([]byte(`{"a":`))
	assert.Error(t, err)
}
