// Package classifier decides, per outbound packet, whether it is passed
// through or redirected to the tunnel interface.
//
// Every condition that is not an explicit match folds into Pass: malformed
// or truncated frames, non-IPv4 traffic, other transports and a missing
// tunnel target. The classifier never drops.
package classifier

import "fmt"

// Verdict is the two-valued outcome of a classification.
type Verdict uint8

const (
	// Pass lets the packet continue on its original interface.
	Pass Verdict = iota
	// Redirect sends the packet out of the tunnel interface.
	Redirect
)

// Action is a verdict plus, for Redirect, the target ifindex.
type Action struct {
	Verdict Verdict
	Ifindex uint32
}

// PassAction is the Action every non-match resolves to.
var PassAction = Action{Verdict: Pass}

// RedirectTo returns a Redirect action for ifindex.
func RedirectTo(ifindex uint32) Action {
	return Action{Verdict: Redirect, Ifindex: ifindex}
}

func (a Action) String() string {
	if a.Verdict == Redirect {
		return fmt.Sprintf("redirect(%d)", a.Ifindex)
	}
	return "pass"
}
