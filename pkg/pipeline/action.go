// Package pipeline implements the per-worker packet processing round: every
// packet is classified into an Action, packets sharing an action are batched
// in a per-worker cache and each batch is executed once at the end of the
// round.
package pipeline

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ActionKind is the action a program selected for a packet.
type ActionKind uint32

const (
	ActionAborted  ActionKind = iota // program failed, packet dropped
	ActionDrop                       // drop
	ActionPass                       // hand to the normal L2 path
	ActionRedirect                   // transmit on Port
)

var actionNames = [...]string{"aborted", "drop", "pass", "redirect"}

func (k ActionKind) String() string {
	if int(k) < len(actionNames) {
		return actionNames[k]
	}
	return fmt.Sprintf("action(%d)", uint32(k))
}

// ParseActionKind parses the String form of an ActionKind.
func ParseActionKind(s string) (ActionKind, error) {
	for i, n := range actionNames {
		if n == s {
			return ActionKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// Action is a tagged action descriptor. Port is only meaningful for
// ActionRedirect.
type Action struct {
	Kind ActionKind
	Port uint32
}

func (a Action) String() string {
	if a.Kind == ActionRedirect {
		return fmt.Sprintf("redirect:%d", a.Port)
	}
	return a.Kind.String()
}

// Signature returns the 32-bit cache key of the action.
func (a Action) Signature() uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[0:], uint32(a.Kind))
	binary.LittleEndian.PutUint32(b[4:], a.Port)
	h := xxhash.Sum64(b[:])
	return uint32(h) ^ uint32(h>>32)
}
