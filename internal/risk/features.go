package risk

import "time"

// destinationRisk is a coarse static lookup; unknown destinations read as
// medium.
var destinationRisk = map[string]string{
	"Home Town":       "low",
	"Nexus Mall":      "medium",
	"Tank Bund":       "medium",
	"Movie":           "low",
	"Hospital":        "low",
	"Railway Station": "medium",
	"Airport":         "low",
	"Friend's Place":  "high",
	"Other":           "medium",
}

// buildFeatures assembles the model's feature vector from the pending
// request and the student's history. Demographics and parent responsiveness
// are not tracked by the core and carry the model's training defaults.
func buildFeatures(reqCtx RequestContext, violations []ViolationRecord, requests []RequestRecord, now time.Time) Features {
	var violations30d, violations365d int
	for _, v := range violations {
		age := now.Sub(v.OccurredAt)
		if age <= 30*24*time.Hour {
			violations30d++
		}
		if age <= 365*24*time.Hour {
			violations365d++
		}
	}

	var requests7d int
	for _, r := range requests {
		if now.Sub(r.CreatedAt) <= 7*24*time.Hour {
			requests7d++
		}
	}

	emergency := 0
	if reqCtx.Type == "emergency" {
		emergency = 1
	}
	weekend := 0
	if wd := reqCtx.DepartureTime.Weekday(); wd == time.Saturday || wd == time.Sunday {
		weekend = 1
	}

	dest, ok := destinationRisk[reqCtx.Destination]
	if !ok {
		dest = "medium"
	}

	return Features{
		Age:         20,
		Year:        3,
		GPA:         8.0,
		HostelBlock: "A",

		PastViolations30d:  violations30d,
		PastViolations365d: violations365d,

		RequestTimeHour:          reqCtx.DepartureTime.Hour(),
		RequestedDurationHours:   reqCtx.ReturnTime.Sub(reqCtx.DepartureTime).Hours(),
		ActualReturnDelayMinutes: 0,
		DestinationRisk:          dest,

		ParentContactReliable:     1,
		ParentResponseTimeMinutes: 60,
		ParentAction:              1,

		EmergencyFlag:    emergency,
		GroupRequest:     0,
		WeekendRequest:   weekend,
		PreviousNoShow:   0,
		RequestsLast7Day: requests7d,
	}
}
