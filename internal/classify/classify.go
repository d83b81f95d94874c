// Package classify maps raw broker order records — order-book rows and live
// order-update events — onto the engine's leg/status vocabulary.
//
// Two classification paths exist:
//
//   - bracket parent/child: bracket-product records carry a parent link
//     (snonum) and a child-type flag (snoordt) that distinguish the SL child
//     from the target child. The broker copies the parent's remarks onto its
//     children, so for brackets only these fields tell the legs apart.
//   - remarks tag: "<LEG>:<model>:<scrip>:<index>", stamped by this engine at
//     placement. Decides the leg for non-bracket records; the trailing index
//     is the position-table key on both paths.
//
// Records matching neither path classify as LegUnknown and are skipped by
// the caller.
package classify

import (
	"strconv"
	"strings"
	"time"

	"intraday-engine/pkg/types"
)

// Leg identifies which leg of a position a broker record belongs to.
func Leg(msg types.OrderMsg) types.LegType {
	if msg.Product == types.ProductBracket {
		// Children of a native bracket reference the parent via snonum and
		// inherit its remarks, so the remarks prefix cannot tell them apart.
		if strings.TrimSpace(msg.SnoNum) == "" {
			return types.LegEntry
		}
		if msg.SnoOrdType == "1" {
			return types.LegSL
		}
		return types.LegTarget
	}
	if leg, ok := legFromRemarks(msg.Remarks); ok {
		return leg
	}
	return types.LegUnknown
}

func legFromRemarks(remarks string) (types.LegType, bool) {
	head, _, found := strings.Cut(remarks, ":")
	if !found {
		return types.LegUnknown, false
	}
	switch types.LegType(head) {
	case types.LegEntry, types.LegSL, types.LegTarget:
		return types.LegType(head), true
	}
	return types.LegUnknown, false
}

// Index extracts the position-table key from the remarks tag.
func Index(msg types.OrderMsg) (int, bool) {
	parts := strings.Split(msg.Remarks, ":")
	if len(parts) < 2 {
		return 0, false
	}
	idx, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// Logical folds a (leg, native status) pair into the engine's logical status.
func Logical(leg types.LegType, status types.OrderStatus) types.LogicalStatus {
	switch status {
	case types.StatusRejected:
		return types.Rejected
	case types.StatusCanceled:
		return types.Canceled
	}
	switch {
	case leg == types.LegEntry && status == types.StatusComplete:
		return types.EntryFilled
	case leg == types.LegSL && status == types.StatusComplete:
		return types.SLHit
	case leg == types.LegTarget && status == types.StatusComplete:
		return types.TargetHit
	case leg == types.LegSL && status == types.StatusTriggerPending:
		return types.SLArmed
	case leg == types.LegTarget && status == types.StatusOpen:
		return types.TargetArmed
	}
	return types.Ignored
}

const exchTimeLayout = "02-01-2006 15:04:05"

// EventEpoch resolves the event timestamp of a broker record, in epoch
// seconds. Updates carry a formatted exchange time; order-book rows carry
// epoch seconds directly. Missing or malformed timestamps fall back to now.
func EventEpoch(msg types.OrderMsg, loc *time.Location) int64 {
	if s := strings.TrimSpace(msg.ExchTime); s != "" && s != "0" {
		if t, err := time.ParseInLocation(exchTimeLayout, s, loc); err == nil {
			return t.Unix()
		}
	}
	if s := strings.TrimSpace(msg.EntryTime); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
			return n
		}
		if t, err := time.ParseInLocation(exchTimeLayout, s, loc); err == nil {
			return t.Unix()
		}
	}
	return time.Now().Unix()
}
