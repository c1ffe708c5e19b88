package fingerprint

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMessage(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"numbers", "Failed to load user 12345", "failed to load user <num>"},
		{"uuid", "User 550e8400-e29b-41d4-a716-446655440000 not found", "user <uuid> not found"},
		{"address", "segfault at 0xDEADBEEF", "segfault at <addr>"},
		{"hex run", "trace id deadbeefcafe1234 failed", "trace id <hex> failed"},
		{"single quoted", "Cannot find module 'lodash'", "cannot find module <str>"},
		{"double quoted", `Invalid value "123" for field`, "invalid value <str> for field"},
		{"url", "fetch https://api.example.com/v1/users failed", "fetch <url> failed"},
		{"file path", "ENOENT: no such file /var/www/html/index.php", "enoent: no such file /<path>"},
		{"whitespace", "  Too   many\trequests  ", "too many requests"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizeMessage(tc.in))
		})
	}
}

func TestNormalizeMessageQuotedBeforeNumbers(t *testing.T) {
	// The quoted literal is replaced as a unit; its digits must not leak
	// out as a separate <num>.
	got := NormalizeMessage("Invalid value '123' for field count")
	assert.Equal(t, "invalid value <str> for field count", got)
}

func TestNormalizeStackFrames(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			"v8 frame",
			"    at ProductList (app:///src/components/ProductList.tsx:42:18)",
			"at ProductList (app:///src/components/ProductList.tsx)",
		},
		{
			"v8 no callee",
			"at https://cdn.example.com/bundle.js:1:2345",
			"<anon>",
		},
		{
			"gecko frame",
			"fetchCart@https://shop.example.com/js/app.js:18:9",
			"at fetchCart (https://shop.example.com/js/app.js)",
		},
		{
			"minified name",
			"at t (https://cdn.example.com/vendor.min.js:1:98765)",
			"at <fn> (https://cdn.example.com/vendor.min.js)",
		},
		{
			"minified last segment",
			"at e.exports.n (file.js:1:1)",
			"at <fn> (file.js)",
		},
		{
			"query string stripped",
			"at init (https://app.example.com/main.js?v=abc123:55:7)",
			"at init (https://app.example.com/main.js)",
		},
		{
			"anonymous",
			"at <anonymous>",
			"<anon>",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizeStack(tc.in))
		})
	}
}

func TestNormalizeStackKeepsTenFrames(t *testing.T) {
	var lines []string
	for i := 0; i < 15; i++ {
		lines = append(lines, "at handleFrame (app.js:1:1)")
	}
	got := NormalizeStack(strings.Join(lines, "\n"))
	assert.Len(t, strings.Split(got, "\n"), 10)
}

func TestNormalizeStackEmpty(t *testing.T) {
	assert.Equal(t, "", NormalizeStack(""))
	assert.Equal(t, "", NormalizeStack("   \n   "))
}

func TestNormalizeURLPattern(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			"numeric id with query and fragment",
			"https://shop.example.com/products/42?ref=home#title",
			"https://shop.example.com/products/:param",
		},
		{
			"uuid segment",
			"https://api.example.com/users/550e8400-e29b-41d4-a716-446655440000/settings",
			"https://api.example.com/users/:param/settings",
		},
		{
			"hex segment",
			"/sessions/deadbeefcafe1234",
			"/sessions/:param",
		},
		{
			"long opaque token",
			"/files/dGhpc2lzYXZlcnlsb25ndG9rZW4xMjM0NTY",
			"/files/:param",
		},
		{
			"host only",
			"https://example.com",
			"https://example.com",
		},
		{
			"plain path untouched",
			"/api/orders/pending",
			"/api/orders/pending",
		},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizeURLPattern(tc.in))
		})
	}
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "typeerror", Title(NormalizeMessage("TypeError: Cannot read properties of undefined (reading 'map')")))
	assert.Equal(t, "something failed badly", Title("something failed badly"))
	assert.Len(t, Title(strings.Repeat("a", 200)), 80)
}

func TestComputeShape(t *testing.T) {
	res := Compute(Input{
		Message:    "TypeError: Cannot read properties of undefined (reading 'map')",
		StackTrace: "at ProductList (app:///src/ProductList.tsx:42:18)",
		URL:        "https://shop.example.com/products/42",
	})

	require.Len(t, res.Fingerprint, 32)
	require.Len(t, res.PatternHash, 16)
	for _, c := range res.Fingerprint + res.PatternHash {
		assert.Contains(t, "0123456789abcdef", string(c))
	}
	assert.Equal(t, "typeerror", res.Title)
	assert.Equal(t, "https://shop.example.com/products/:param", res.URLPattern)
}

func TestComputeDeterministic(t *testing.T) {
	in := Input{
		Message:    "NetworkError: Failed to fetch",
		StackTrace: "at fetchCart (app:///src/api/cart.ts:18:9)",
		URL:        "https://shop.example.com/cart",
	}
	assert.Equal(t, Compute(in), Compute(in))
}

func TestComputeCollapsesVolatileTokens(t *testing.T) {
	// Occurrences differing only in identifiers must land on one key.
	a := Compute(Input{
		Message:    "Failed to load order 12345",
		StackTrace: "at loadOrder (app:///src/orders.ts:10:5)",
		URL:        "https://shop.example.com/orders/12345",
	})
	b := Compute(Input{
		Message:    "Failed to load order 99921",
		StackTrace: "at loadOrder (app:///src/orders.ts:10:5)",
		URL:        "https://shop.example.com/orders/99921",
	})
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.Equal(t, a.PatternHash, b.PatternHash)
}

func TestComputeSeparatesDistinctErrors(t *testing.T) {
	a := Compute(Input{Message: "TypeError: x is not a function"})
	b := Compute(Input{Message: "RangeError: invalid array length"})
	assert.NotEqual(t, a.Fingerprint, b.Fingerprint)
}

func TestPatternHashIgnoresDeepFrames(t *testing.T) {
	// Same class and entry frame, diverging tails: the fingerprints split
	// but the pattern hash holds, which is what similarity search keys on.
	a := Compute(Input{
		Message:    "TypeError: cannot read left",
		StackTrace: "at handleClick (app.js:1:1)\nat renderList (x.js:2:2)",
	})
	b := Compute(Input{
		Message:    "TypeError: cannot read right",
		StackTrace: "at handleClick (app.js:1:1)\nat renderGrid (y.js:3:3)",
	})
	assert.NotEqual(t, a.Fingerprint, b.Fingerprint)
	assert.Equal(t, a.PatternHash, b.PatternHash)
}
