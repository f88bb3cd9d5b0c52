package fusion

import "github.com/google/uuid"

// LocationReport is one GPS sample from one rider's phone for one bus.
// It is created at the ingestion boundary and consumed once by the validator.
type LocationReport struct {
	ReportID  string  `json:"reportId"`
	BusID     int64   `json:"busId"`
	UserID    string  `json:"userId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	SpeedMS   float64 `json:"speedMs"`   // metres per second
	Heading   float64 `json:"heading"`   // degrees
	Accuracy  float64 `json:"accuracy"`  // horizontal accuracy in metres
	Timestamp string  `json:"timestamp"` // client wall clock, RFC3339 when well-formed
	StopID    int64   `json:"stopId,omitempty"`
}

// NewReportID returns a fresh identifier for an incoming report.
func NewReportID() string {
	return uuid.NewString()
}

// BusLocation is the current fused estimate of where a bus is, derived from
// possibly many independent reports. One instance per bus; overwritten on
// every accepted report and retained indefinitely as "last known".
type BusLocation struct {
	BusID            int64   `json:"busId"`
	BusName          string  `json:"busName"`
	BusNumber        string  `json:"busNumber"`
	FromLocation     string  `json:"fromLocation"`
	ToLocation       string  `json:"toLocation"`
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	SpeedMS          float64 `json:"speedMs"`
	Heading          float64 `json:"heading"`
	Timestamp        string  `json:"timestamp"` // empty until the first accepted report
	ReportCount      int     `json:"reportCount"`
	ConfidenceScore  int     `json:"confidenceScore"`
	LastStopName     string  `json:"lastStopName,omitempty"`
	NextStopName     string  `json:"nextStopName,omitempty"`
	EstimatedArrival string  `json:"estimatedArrival,omitempty"`
}

// RewardActivity is one entry in a user's bounded recent-activity log.
type RewardActivity struct {
	ID          string `json:"id"`
	Type        string `json:"activityType"` // BUS_REPORT or ERROR
	Points      int    `json:"pointsEarned"`
	Timestamp   string `json:"timestamp"`
	Description string `json:"description"`
}

// RewardAccount accumulates a user's contribution points. Created lazily on
// the first accepted report, never deleted.
type RewardAccount struct {
	UserID            string           `json:"userId"`
	TotalPoints       int              `json:"totalPoints"`
	CurrentTripPoints int              `json:"currentTripPoints"`
	LifetimePoints    int              `json:"lifetimePoints"`
	Rank              string           `json:"userRank"`
	RecentActivities  []RewardActivity `json:"recentActivities"`
}
