package reloc

import (
	"fmt"
	"strings"
)

// CreateFlags indicate specific relocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// CreateExternallySynchronized disables the relocator's internal mutex. The caller must
	// guarantee that the relocator and the heap it borrows are only used from one goroutine at a
	// time.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateDisableLowMemoryFallback turns off the post placement that AllocChunkAt attempts for
	// targets below LegacyLowMemoryLimit
	CreateDisableLowMemoryFallback
)

var createFlagsMapping = map[CreateFlags]string{
	CreateExternallySynchronized:   "CreateExternallySynchronized",
	CreateDisableLowMemoryFallback: "CreateDisableLowMemoryFallback",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for bit := CreateFlags(1); bit > 0 && bit <= f; bit <<= 1 {
		if f&bit == 0 {
			continue
		}

		name, ok := createFlagsMapping[bit]
		if !ok {
			name = fmt.Sprintf("Unknown(%#x)", int32(bit))
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}

// Preference selects which end of a window AllocChunkInRange favors
type Preference int32

const (
	PreferenceNone Preference = iota
	PreferenceLow
	PreferenceHigh
)

var preferenceMapping = map[Preference]string{
	PreferenceNone: "PreferenceNone",
	PreferenceLow:  "PreferenceLow",
	PreferenceHigh: "PreferenceHigh",
}

func (p Preference) String() string {
	str, ok := preferenceMapping[p]
	if !ok {
		return "unknown"
	}
	return str
}
