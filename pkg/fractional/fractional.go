// Package fractional implements fractional indexing: lexicographically
// ordered string keys that support inserting a new sibling between any
// two existing ones without renumbering the rest of the list.
//
// Keys are digit strings over a fixed base alphabet. Between two keys a
// key is chosen at the midpoint of the open interval (prev, next); when
// no midpoint exists at the current length (adjacent keys differing by a
// single trailing digit), the key grows one digit longer.
package fractional

import (
	"strings"

	"github.com/nightscape/holon/pkg/holonerr"
)

// alphabet is the ordered digit set keys are built from. Using a wide
// base keeps keys short for deep sibling lists.
const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const base = len(alphabet)

// MaxKeyLength bounds how long a single key may grow before Between
// refuses further subdivision and the caller must rebalance the list
// (Rebalance).
const MaxKeyLength = 64

func digitValue(c byte) int {
	return strings.IndexByte(alphabet, c)
}

// Between returns a key that sorts strictly between prev and next.
// prev == "" means "insert at the head"; next == "" means "insert at the
// tail". Panics are never used; an unsatisfiable request (prev >= next)
// returns holonerr.InvalidOperation.
func Between(prev, next string) (string, error) {
	if prev != "" && next != "" && prev >= next {
		return "", &holonerr.InvalidOperation{
			Operation: "fractional.Between",
			Reason:    "prev must sort before next",
		}
	}

	if prev == "" && next == "" {
		return string(alphabet[base/2]), nil
	}
	if prev == "" {
		return keyBefore(next), nil
	}
	if next == "" {
		return keyAfter(prev), nil
	}
	return keyMidpoint(prev, next)
}

// keyBefore returns a key sorting strictly before next. The result
// never ends with the lowest digit, so there is always room to insert
// before it again later.
func keyBefore(next string) string {
	if len(next) == 0 {
		return string(alphabet[base/2])
	}
	firstDigit := digitValue(next[0])
	if firstDigit > 1 {
		return string(alphabet[firstDigit/2])
	}
	// next starts at or adjacent to the lowest digit; descend under it
	// rather than emitting a bare "0" that could never be preceded.
	if firstDigit == 1 {
		return string(alphabet[0]) + string(alphabet[base/2])
	}
	return string(alphabet[0]) + keyBefore(next[1:])
}

// keyAfter returns a key sorting strictly after prev.
func keyAfter(prev string) string {
	if len(prev) == 0 {
		return string(alphabet[base/2])
	}
	lastDigit := digitValue(prev[len(prev)-1])
	if lastDigit < base-1 {
		mid := lastDigit + (base-lastDigit)/2
		if mid == lastDigit {
			mid++
		}
		return prev[:len(prev)-1] + string(alphabet[mid])
	}
	// prev ends at the highest digit; extend it.
	return prev + string(alphabet[base/2])
}

func keyMidpoint(prev, next string) (string, error) {
	if len(prev) >= MaxKeyLength || len(next) >= MaxKeyLength {
		return "", &holonerr.InvalidOperation{
			Operation: "fractional.Between",
			Reason:    "key length bound exceeded, caller must rebalance",
		}
	}
	// next differing from prev only by trailing zero digits leaves no
	// value strictly between them at any length.
	if strings.TrimRight(next, string(alphabet[0])) <= prev {
		return "", &holonerr.InvalidOperation{
			Operation: "fractional.Between",
			Reason:    "no key exists between prev and next, caller must rebalance",
		}
	}

	maxLen := len(prev)
	if len(next) > maxLen {
		maxLen = len(next)
	}
	maxLen++

	pDigits := padded(prev, maxLen)
	nDigits := padded(next, maxLen)

	result := make([]byte, 0, maxLen)
	i := 0
	for ; i < maxLen; i++ {
		pv := digitValue(pDigits[i])
		nv := digitValue(nDigits[i])
		if pv == nv {
			result = append(result, alphabet[pv])
			continue
		}
		if nv-pv > 1 {
			mid := pv + (nv-pv)/2
			result = append(result, alphabet[mid])
			return strings.TrimRight(string(result), string(alphabet[0])), nil
		}
		// Adjacent digits: keep prev's digit here and recurse one level
		// deeper on the remainder of prev against the end-of-range.
		result = append(result, alphabet[pv])
		rest, err := keyAfterDigits(pDigits[i+1:])
		if err != nil {
			return "", err
		}
		return string(result) + rest, nil
	}
	return string(result), nil
}

// keyAfterDigits returns a digit suffix sorting strictly after
// remainder (prev's digits past the position where prev and next
// differ by exactly one), or the midpoint digit when remainder is empty.
func keyAfterDigits(remainder string) (string, error) {
	if remainder == "" {
		return string(alphabet[base/2]), nil
	}
	return keyAfter(remainder), nil
}

// padded right-pads key with the zero digit to length n.
func padded(key string, n int) string {
	if len(key) >= n {
		return key
	}
	return key + strings.Repeat(string(alphabet[0]), n-len(key))
}

// KeyBulk generates n keys, in order, that all sort strictly between
// prev and next and strictly among themselves, for seeding many
// siblings at once (e.g. ingesting an ordered external list). Each key
// is Between the previous key and next, so the keys are exactly what
// that many successive Between calls would produce.
func KeyBulk(prev, next string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	keys := make([]string, 0, n)
	cur := prev
	for i := 0; i < n; i++ {
		k, err := Between(cur, next)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
		cur = k
	}
	return keys, nil
}

// NeedsRebalance reports whether key has grown past the point where
// further subdivision is safe, signaling the caller should redistribute
// the whole sibling list across short, evenly spaced keys.
func NeedsRebalance(key string) bool {
	return len(key) >= MaxKeyLength
}

// Rebalance returns n evenly spaced short keys, replacing a sibling
// list whose existing keys have grown too long to subdivide further.
// Keys grow to as many digits as distinctness requires, so sibling
// lists wider than the alphabet still get unique keys.
func Rebalance(n int) []string {
	if n <= 0 {
		return nil
	}

	// Smallest key length whose value space fits n keys plus headroom
	// at both ends for future inserts before and after the list.
	length := 1
	capacity := base
	for capacity < n+2 {
		capacity *= base
		length++
	}

	keys := make([]string, n)
	for i := 0; i < n; i++ {
		value := 1 + (i+1)*(capacity-2)/(n+1)
		digits := make([]byte, length)
		for j := length - 1; j >= 0; j-- {
			digits[j] = alphabet[value%base]
			value /= base
		}
		keys[i] = string(digits)
	}
	return keys
}
