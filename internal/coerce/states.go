package coerce

import "strings"

// Census regions used for the user dimension.
const (
	RegionNortheast = "Northeast"
	RegionMidwest   = "Midwest"
	RegionSouth     = "South"
	RegionWest      = "West"
)

type stateInfo struct {
	name   string
	region string
}

var states = map[string]stateInfo{
	"AL": {"ALABAMA", RegionSouth},
	"AK": {"ALASKA", RegionWest},
	"AZ": {"ARIZONA", RegionWest},
	"AR": {"ARKANSAS", RegionSouth},
	"CA": {"CALIFORNIA", RegionWest},
	"CO": {"COLORADO", RegionWest},
	"CT": {"CONNECTICUT", RegionNortheast},
	"DE": {"DELAWARE", RegionSouth},
	"DC": {"DISTRICT OF COLUMBIA", RegionSouth},
	"FL": {"FLORIDA", RegionSouth},
	"GA": {"GEORGIA", RegionSouth},
	"HI": {"HAWAII", RegionWest},
	"ID": {"IDAHO", RegionWest},
	"IL": {"ILLINOIS", RegionMidwest},
	"IN": {"INDIANA", RegionMidwest},
	"IA": {"IOWA", RegionMidwest},
	"KS": {"KANSAS", RegionMidwest},
	"KY": {"KENTUCKY", RegionSouth},
	"LA": {"LOUISIANA", RegionSouth},
	"ME": {"MAINE", RegionNortheast},
	"MD": {"MARYLAND", RegionSouth},
	"MA": {"MASSACHUSETTS", RegionNortheast},
	"MI": {"MICHIGAN", RegionMidwest},
	"MN": {"MINNESOTA", RegionMidwest},
	"MS": {"MISSISSIPPI", RegionSouth},
	"MO": {"MISSOURI", RegionMidwest},
	"MT": {"MONTANA", RegionWest},
	"NE": {"NEBRASKA", RegionMidwest},
	"NV": {"NEVADA", RegionWest},
	"NH": {"NEW HAMPSHIRE", RegionNortheast},
	"NJ": {"NEW JERSEY", RegionNortheast},
	"NM": {"NEW MEXICO", RegionWest},
	"NY": {"NEW YORK", RegionNortheast},
	"NC": {"NORTH CAROLINA", RegionSouth},
	"ND": {"NORTH DAKOTA", RegionMidwest},
	"OH": {"OHIO", RegionMidwest},
	"OK": {"OKLAHOMA", RegionSouth},
	"OR": {"OREGON", RegionWest},
	"PA": {"PENNSYLVANIA", RegionNortheast},
	"RI": {"RHODE ISLAND", RegionNortheast},
	"SC": {"SOUTH CAROLINA", RegionSouth},
	"SD": {"SOUTH DAKOTA", RegionMidwest},
	"TN": {"TENNESSEE", RegionSouth},
	"TX": {"TEXAS", RegionSouth},
	"UT": {"UTAH", RegionWest},
	"VT": {"VERMONT", RegionNortheast},
	"VA": {"VIRGINIA", RegionSouth},
	"WA": {"WASHINGTON", RegionWest},
	"WV": {"WEST VIRGINIA", RegionSouth},
	"WI": {"WISCONSIN", RegionMidwest},
	"WY": {"WYOMING", RegionWest},
}

var stateByName = func() map[string]string {
	m := make(map[string]string, len(states))
	for code, info := range states {
		m[info.name] = code
	}
	return m
}()

// StateCode converts a 2-letter code or a full state name (any case, any
// inner spacing) to the 2-letter code. ok is false for anything else.
func StateCode(s string) (string, bool) {
	upper := strings.Join(strings.Fields(strings.ToUpper(s)), " ")
	if _, ok := states[upper]; ok {
		return upper, true
	}
	code, ok := stateByName[upper]
	return code, ok
}

// StateRegion returns the Census region of a 2-letter state code, or "" when unknown.
func StateRegion(code string) string {
	return states[strings.ToUpper(code)].region
}
