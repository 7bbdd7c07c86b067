package device

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"merosslan/internal/errs"
	"merosslan/internal/events"
	"merosslan/internal/wire"
)

// Default cadences for the DST reconciliation check (§4.4 "Timezone &
// DST reconciliation"): a long interval when the device's table matches
// the host's tz database, a short one to retry soon after a correction.
const (
	TimezoneCheckOKPeriod    = time.Hour
	TimezoneCheckNotOKPeriod = 5 * time.Minute
)

type tzState struct {
	location   *time.Location
	nextCheck  time.Time
}

// SetTimezone installs the IANA location the device's table is checked
// against. Pass nil to disable DST reconciliation for this device.
func (d *Device) SetTimezone(loc *time.Location) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tzCheck.location = loc
}

// findRule performs the right-bisect lookup from §8's "Binary-search DST
// lookup" law: the chosen rule is the one with the maximum epoch <= t, or
// -1 if none exists.
func findRule(rules []TimeRule, t int64) int {
	idx := sort.Search(len(rules), func(i int) bool { return rules[i].Epoch > t })
	return idx - 1
}

// checkTimezone runs one DST reconciliation pass; returns whether the
// device's table is correct and, if not, a human-readable reason.
func checkTimezone(rules []TimeRule, loc *time.Location, deviceTimestamp int64) (ok bool, reason string) {
	idx := findRule(rules, deviceTimestamp)
	if idx < 0 {
		return false, "no active timerule for current device time"
	}
	current := rules[idx]

	if !matchesTZDatabase(loc, current, deviceTimestamp) {
		return false, "current rule disagrees with tz database"
	}

	if idx+1 < len(rules) {
		next := rules[idx+1]
		if next.Epoch <= deviceTimestamp+int64(TimezoneCheckOKPeriod.Seconds()) {
			if !matchesTZDatabase(loc, current, next.Epoch-1) {
				return false, "pre-transition boundary mismatch"
			}
			if !matchesTZDatabase(loc, next, next.Epoch+1) {
				return false, "post-transition boundary mismatch"
			}
			return true, ""
		}
	}

	aheadPoint := deviceTimestamp + int64(TimezoneCheckOKPeriod.Seconds())
	if !matchesTZDatabase(loc, current, aheadPoint) {
		return false, "check-ahead point disagrees with tz database"
	}
	return true, ""
}

func matchesTZDatabase(loc *time.Location, rule TimeRule, at int64) bool {
	t := time.Unix(at, 0).In(loc)
	_, offset := t.Zone()
	// A location's zone abbreviation carries no portable DST flag in the
	// stdlib; approximate "is DST" as "offset differs from January's
	// standard-time offset at the same location".
	jan := time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, loc)
	_, janOffset := jan.Zone()
	isDST := offset != janOffset
	return offset == rule.UTCOffset && isDST == rule.DST
}

// buildTimeRules computes a fresh two-entry table for loc around `at`,
// used to correct a device whose table disagrees with the tz database.
// The first entry starts 24h before `at` with the current offset (not at
// the last past transition); the second is the next offset change found
// within about 400 days, located to the hour.
func buildTimeRules(loc *time.Location, at time.Time) []TimeRule {
	cur := at.In(loc)
	_, curOffset := cur.Zone()

	// scan forward in 1-day steps (bounded) to find the next offset change
	next := cur
	nextOffset := curOffset
	for i := 0; i < 400; i++ {
		next = next.Add(24 * time.Hour)
		_, off := next.In(loc).Zone()
		if off != curOffset {
			nextOffset = off
			break
		}
	}
	// narrow to the hour via simple backward walk
	transition := next
	for transition.Add(-time.Hour).After(cur) {
		probe := transition.Add(-time.Hour)
		_, off := probe.In(loc).Zone()
		if off == curOffset {
			break
		}
		transition = probe
	}

	jan := time.Date(cur.Year(), time.January, 1, 0, 0, 0, 0, loc)
	_, janOffset := jan.Zone()

	return []TimeRule{
		{Epoch: cur.Add(-24 * time.Hour).Unix(), UTCOffset: curOffset, DST: curOffset != janOffset},
		{Epoch: transition.Unix(), UTCOffset: nextOffset, DST: nextOffset != janOffset},
	}
}

// RunTimezoneCheck performs one DST reconciliation pass if due, and
// records when the next one is due (no timer is armed; earlier calls
// return without checking). Only meaningful when the clock delta is within
// tolerance (§4.4 final sentence).
func (d *Device) RunTimezoneCheck(ctx context.Context) {
	d.mu.Lock()
	loc := d.tzCheck.location
	notYetDue := !d.tzCheck.nextCheck.IsZero() && time.Now().Before(d.tzCheck.nextCheck)
	clockOK := abs(d.clock.delta) <= ClockTolerance
	rules := append([]TimeRule(nil), d.descriptor.TimeRules...)
	deviceTimestamp := d.deviceTimestamp
	d.mu.Unlock()

	if loc == nil || notYetDue || !clockOK || deviceTimestamp == 0 {
		return
	}

	ok, reason := checkTimezone(rules, loc, deviceTimestamp)

	d.mu.Lock()
	if ok {
		d.tzCheck.nextCheck = time.Now().Add(TimezoneCheckOKPeriod)
	} else {
		d.tzCheck.nextCheck = time.Now().Add(TimezoneCheckNotOKPeriod)
	}
	d.mu.Unlock()

	if ok {
		return
	}

	d.logger.Warn("device timezone table incorrect", zap.String("device_id", d.ID), zap.String("reason", reason))
	newRules := buildTimeRules(loc, time.Now())
	payload := map[string]any{"time": map[string]any{"timeRule": newRules}}
	if _, err := d.Request(ctx, wire.NamespaceSystemTime, wire.MethodSet, payload); err != nil {
		d.logger.Debug("timezone correction push failed", zap.Error(err))
	}

	advisory := &errs.TimezoneAdvisory{DeviceID: d.ID, Reason: reason}
	d.logger.Warn(advisory.Error())
	d.publish(events.KindTimezoneAdvisory, reason)
}
