package models

import (
	"fmt"
	"strings"
)

// MessageFlags is the per-delivery-record flag bitset. It is stored as
// a single integer column so the store can flip bits with one atomic
// bitwise UPDATE instead of read-modify-write.
type MessageFlags uint32

const (
	FlagRead MessageFlags = 1 << iota
	FlagStarred
	FlagMentioned
	FlagWildcardMentioned
	FlagHasAlertWord
	FlagIsPrivate
	FlagHistorical
)

// MentionDerivedFlags are the bits recomputed from rendering facts when
// a message is edited. Everything else (read, starred, historical,
// is_private) survives edits untouched.
const MentionDerivedFlags = FlagMentioned | FlagWildcardMentioned | FlagHasAlertWord

// UserEditableFlags are the bits a client may set or clear through the
// flag-update API. The mention-derived bits and the bookkeeping bits
// belong to the engine.
const UserEditableFlags = FlagRead | FlagStarred

var flagNames = map[MessageFlags]string{
	FlagRead:              "read",
	FlagStarred:           "starred",
	FlagMentioned:         "mentioned",
	FlagWildcardMentioned: "wildcard_mentioned",
	FlagHasAlertWord:      "has_alert_word",
	FlagIsPrivate:         "is_private",
	FlagHistorical:        "historical",
}

// ordered list for stable Names() output
var allFlags = []MessageFlags{
	FlagRead, FlagStarred, FlagMentioned, FlagWildcardMentioned,
	FlagHasAlertWord, FlagIsPrivate, FlagHistorical,
}

func (f MessageFlags) Has(flag MessageFlags) bool { return f&flag != 0 }

func (f MessageFlags) With(flag MessageFlags) MessageFlags { return f | flag }

func (f MessageFlags) Without(flag MessageFlags) MessageFlags { return f &^ flag }

// Names returns the set bits as their wire names, in a stable order.
// An empty bitset serializes to [] (not null) in event payloads.
func (f MessageFlags) Names() []string {
	names := make([]string, 0, len(allFlags))
	for _, flag := range allFlags {
		if f.Has(flag) {
			names = append(names, flagNames[flag])
		}
	}
	return names
}

func (f MessageFlags) String() string {
	if f == 0 {
		return "none"
	}
	return strings.Join(f.Names(), "|")
}

// FlagByName maps a wire name ("read", "starred", ...) back to its bit.
func FlagByName(name string) (MessageFlags, error) {
	for flag, n := range flagNames {
		if n == name {
			return flag, nil
		}
	}
	return 0, fmt.Errorf("unknown flag %q", name)
}
