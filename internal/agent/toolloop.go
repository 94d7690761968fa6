package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// loopWindowSize (W) is how many recent tool calls toolLoopState inspects
// when looking for repetition; loopRepeatThreshold (K) is how many times a
// fingerprint must recur within that window before it counts as a stall
// within the last loopWindowSize calls (window=6, threshold=3).
const (
	loopWindowSize      = 6
	loopRepeatThreshold = 3
)

// toolLoopState detects an agent repeatedly calling the same tool with the
// same arguments without making progress. A call is fingerprinted by its
// canonicalized name+arguments; if a fingerprint recurs loopRepeatThreshold
// times within the last loopWindowSize calls, detect returns a warning the
// first time and a critical verdict (abort the run) the second time.
type toolLoopState struct {
	fingerprints []string // sliding window, most recent last
	warnedOnce   map[string]bool
	triggered    map[string]int // fingerprint -> number of times it has triggered
}

// record fingerprints one tool call and slides the window, returning the
// fingerprint so recordResult/detect can be keyed on it without recomputing.
func (s *toolLoopState) record(name string, args map[string]interface{}) string {
	fp := fingerprint(name, args)
	s.fingerprints = append(s.fingerprints, fp)
	if len(s.fingerprints) > loopWindowSize {
		s.fingerprints = s.fingerprints[len(s.fingerprints)-loopWindowSize:]
	}
	return fp
}

// recordResult is a hook for future result-aware loop detection (e.g.
// distinguishing a repeated call that keeps returning new data from one
// that returns the identical error each time). Currently a no-op: the
// fingerprint already covers name+arguments, which is sufficient for the
// scenarios this needs to catch.
func (s *toolLoopState) recordResult(fingerprint string, resultForLLM string) {}

// detect reports whether fp has recurred loopRepeatThreshold times within
// the current window. Returns ("", "") when no action is needed, ("warning",
// msg) the first time the threshold is crossed, and ("critical", msg) if it
// is crossed again after a warning was already issued for this fingerprint.
func (s *toolLoopState) detect(name string, fp string) (level string, message string) {
	count := 0
	for _, f := range s.fingerprints {
		if f == fp {
			count++
		}
	}
	if count < loopRepeatThreshold {
		return "", ""
	}

	if s.warnedOnce == nil {
		s.warnedOnce = make(map[string]bool)
	}
	if s.triggered == nil {
		s.triggered = make(map[string]int)
	}

	s.triggered[fp]++
	if !s.warnedOnce[fp] {
		s.warnedOnce[fp] = true
		return "warning", "You have called " + name + " with the same arguments " +
			"multiple times in a row without making progress. Try a different " +
			"approach, use different arguments, or explain to the user why you " +
			"cannot proceed."
	}
	return "critical", "repeated no-progress calls to " + name
}

// fingerprint canonicalizes arguments (sorted keys, stable JSON encoding) so
// semantically identical calls hash identically regardless of map iteration
// order, then returns name + sha256 hex digest.
func fingerprint(name string, args map[string]interface{}) string {
	canonical := canonicalizeArgs(args)
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(append([]byte(name+":"), data...))
	return name + ":" + hex.EncodeToString(sum[:])
}

// canonicalizeArgs returns a copy of args with nested maps rebuilt
// recursively, so json.Marshal (which sorts map keys) produces a stable
// byte sequence at every nesting level.
func canonicalizeArgs(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return map[string]interface{}{}
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]interface{}, len(args))
	for _, k := range keys {
		v := args[k]
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = canonicalizeArgs(nested)
		} else {
			out[k] = v
		}
	}
	return out
}
