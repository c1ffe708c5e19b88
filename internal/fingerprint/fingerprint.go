// Package fingerprint normalizes raw error signals into stable grouping
// keys. Everything here is pure: no I/O, no clock, no randomness. The hex
// outputs are part of the storage contract and must stay bit-exact across
// releases; change a regex and historical groups stop matching.
package fingerprint

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Input is the raw signal captured by an SDK.
type Input struct {
	Message    string
	StackTrace string
	URL        string
	UserAgent  string
}

// Result carries the grouping keys and the normalized forms they were
// derived from. Fingerprint is 16 bytes hex (32 chars), PatternHash 8 bytes
// hex (16 chars).
type Result struct {
	Fingerprint       string
	PatternHash       string
	NormalizedMessage string
	NormalizedStack   string
	URLPattern        string
	Title             string
}

const maxFrames = 10

// Placeholder tokens. Replacement runs most-specific first so that a UUID is
// not shredded into <num> runs before the UUID rule sees it, and a 0x address
// keeps its prefix instead of decaying into <hex>.
var (
	reUUID   = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	reAddr   = regexp.MustCompile(`0x[0-9a-f]+`)
	reHex    = regexp.MustCompile(`\b[0-9a-f]{8,}\b`)
	reQuoted = regexp.MustCompile("'[^']*'|\"[^\"]*\"|`[^`]*`")
	reURL    = regexp.MustCompile(`https?://\S+`)
	rePath   = regexp.MustCompile(`(?:/[\w.~%-]+){2,}/?`)
	reNum    = regexp.MustCompile(`\d+`)
	reSpace  = regexp.MustCompile(`\s+`)
)

// Compute derives all grouping keys for one error input.
func Compute(in Input) Result {
	msg := NormalizeMessage(in.Message)
	stack := NormalizeStack(in.StackTrace)
	urlPat := NormalizeURLPattern(in.URL)

	h := fnv.New128a()
	h.Write([]byte(msg))
	h.Write([]byte{'|'})
	h.Write([]byte(stack))
	h.Write([]byte{'|'})
	h.Write([]byte(urlPat))

	return Result{
		Fingerprint:       fmt.Sprintf("%x", h.Sum(nil)),
		PatternHash:       fmt.Sprintf("%016x", xxhash.Sum64String(firstFrame(stack)+"|"+classPrefix(msg))),
		NormalizedMessage: msg,
		NormalizedStack:   stack,
		URLPattern:        urlPat,
		Title:             Title(msg),
	}
}

// NormalizeMessage lowercases, trims, and replaces volatile tokens with
// placeholders: UUIDs, 0x addresses, hex runs of 8+, quoted literals, URLs,
// multi-segment paths, then bare integers. Whitespace collapses to single
// spaces.
func NormalizeMessage(msg string) string {
	s := strings.ToLower(strings.TrimSpace(msg))
	s = reUUID.ReplaceAllString(s, "<uuid>")
	s = reAddr.ReplaceAllString(s, "<addr>")
	s = reHex.ReplaceAllString(s, "<hex>")
	s = reQuoted.ReplaceAllString(s, "<str>")
	s = reURL.ReplaceAllString(s, "<url>")
	s = rePath.ReplaceAllString(s, "/<path>")
	s = reNum.ReplaceAllString(s, "<num>")
	return strings.TrimSpace(reSpace.ReplaceAllString(s, " "))
}

// NormalizeStack keeps the first 10 frames, drops line/column numbers and
// query strings, rewrites single-letter (minified) function names to <fn>,
// and collapses anonymous frames to <anon>.
func NormalizeStack(stack string) string {
	if strings.TrimSpace(stack) == "" {
		return ""
	}
	var frames []string
	for _, line := range strings.Split(stack, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		frames = append(frames, normalizeFrame(line))
		if len(frames) == maxFrames {
			break
		}
	}
	return strings.Join(frames, "\n")
}

var reLineCol = regexp.MustCompile(`(:\d+)+$`)

func normalizeFrame(line string) string {
	fn, loc := splitFrame(line)

	loc = reLineCol.ReplaceAllString(loc, "")
	if i := strings.IndexByte(loc, '?'); i >= 0 {
		loc = loc[:i]
	}
	loc = strings.TrimSpace(loc)

	if fn == "" || fn == "<anonymous>" || fn == "anonymous" {
		return "<anon>"
	}
	if isMinified(fn) {
		fn = "<fn>"
	}
	if loc == "" {
		return "at " + fn
	}
	return "at " + fn + " (" + loc + ")"
}

// splitFrame handles the two shapes browsers emit:
// V8 "at fn (file:1:2)" / "at file:1:2", and Gecko "fn@file:1:2".
func splitFrame(line string) (fn, loc string) {
	if rest, ok := strings.CutPrefix(line, "at "); ok {
		rest = strings.TrimSpace(rest)
		if open := strings.IndexByte(rest, '('); open >= 0 {
			fn = strings.TrimSpace(rest[:open])
			loc = strings.TrimSuffix(strings.TrimSpace(rest[open+1:]), ")")
			return fn, loc
		}
		// "at file:1:2" has no callee; treat as anonymous.
		return "", rest
	}
	if at := strings.IndexByte(line, '@'); at >= 0 {
		return strings.TrimSpace(line[:at]), strings.TrimSpace(line[at+1:])
	}
	return "", line
}

// isMinified reports whether the final name segment is a single character,
// the signature of minified bundles.
func isMinified(fn string) bool {
	seg := fn
	if i := strings.LastIndexByte(fn, '.'); i >= 0 {
		seg = fn[i+1:]
	}
	return len(seg) == 1
}

var (
	rePathUUID = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	rePathHex  = regexp.MustCompile(`^[0-9a-fA-F]{8,}$`)
	rePathNum  = regexp.MustCompile(`^\d+$`)
)

// NormalizeURLPattern keeps scheme and host, drops query and fragment, and
// replaces identifier-like path segments (digits, UUIDs, hex, length >= 24)
// with :param.
func NormalizeURLPattern(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	// Strip fragment then query.
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		raw = raw[:i]
	}
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}

	prefix := ""
	path := raw
	if i := strings.Index(raw, "://"); i >= 0 {
		rest := raw[i+3:]
		slash := strings.IndexByte(rest, '/')
		if slash < 0 {
			return raw // host only, nothing to rewrite
		}
		prefix = raw[:i+3+slash]
		path = rest[slash:]
	}

	segs := strings.Split(path, "/")
	for i, seg := range segs {
		if seg == "" {
			continue
		}
		if rePathNum.MatchString(seg) || rePathUUID.MatchString(seg) || rePathHex.MatchString(seg) || len(seg) >= 24 {
			segs[i] = ":param"
		}
	}
	return prefix + strings.Join(segs, "/")
}

// Title is the first 80 characters of the normalized message up to the first
// ":" or "—"; the whole truncated message when neither appears.
func Title(normalizedMsg string) string {
	t := normalizedMsg
	if i := strings.IndexAny(t, ":—"); i >= 0 {
		t = t[:i]
	}
	t = strings.TrimSpace(t)
	if len(t) > 80 {
		t = t[:80]
	}
	return t
}

// classPrefix is the error-class portion of a normalized message, the text
// before the first ":". Empty when the message carries no class.
func classPrefix(normalizedMsg string) string {
	if i := strings.IndexByte(normalizedMsg, ':'); i >= 0 {
		return strings.TrimSpace(normalizedMsg[:i])
	}
	return ""
}

func firstFrame(normalizedStack string) string {
	if normalizedStack == "" {
		return ""
	}
	if i := strings.IndexByte(normalizedStack, '\n'); i >= 0 {
		return normalizedStack[:i]
	}
	return normalizedStack
}
