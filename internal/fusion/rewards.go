package fusion

import (
	"time"

	"github.com/google/uuid"

	"bus-tracker/internal/kv"
)

const (
	basePointsPerReport = 5
	accuracyBonusPoints = 2
	// Reports with horizontal accuracy tighter than this earn the bonus.
	accuracyBonusBelowM = 10.0

	maxRecentActivities = 10

	activityReport = "BUS_REPORT"
	activityError  = "ERROR"
)

// rankFor is a monotonic step function of a user's total points.
func rankFor(totalPoints int) string {
	switch {
	case totalPoints < 100:
		return "Beginner"
	case totalPoints < 500:
		return "Regular Traveler"
	case totalPoints < 2000:
		return "Frequent Commuter"
	case totalPoints < 5000:
		return "Bus Expert"
	default:
		return "Master Navigator"
	}
}

// Ledger accumulates contribution points per user. Accounts are created
// lazily on the first accepted report and never deleted.
type Ledger struct {
	accounts *kv.Store[RewardAccount]
	now      func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{
		accounts: kv.New[RewardAccount](),
		now:      time.Now,
	}
}

// Credit awards points for one accepted report and returns the updated
// account. It never fails; unknown users are created on demand.
func (l *Ledger) Credit(userID string, report LocationReport) RewardAccount {
	award := basePointsPerReport
	if report.Accuracy < accuracyBonusBelowM {
		award += accuracyBonusPoints
	}

	var updated RewardAccount
	l.accounts.Update(userID, func(acc RewardAccount, ok bool) RewardAccount {
		if !ok {
			acc = emptyAccount(userID)
		}
		acc.TotalPoints += award
		acc.CurrentTripPoints += award
		acc.LifetimePoints += award
		acc.Rank = rankFor(acc.TotalPoints)
		acc.RecentActivities = prependActivity(acc.RecentActivities, RewardActivity{
			ID:          uuid.NewString(),
			Type:        activityReport,
			Points:      award,
			Timestamp:   l.now().Format(time.RFC3339),
			Description: "Bus location report submitted",
		})
		updated = acc
		return acc
	})
	return updated
}

// Account returns the user's account, or a zeroed one if they have never
// contributed.
func (l *Ledger) Account(userID string) RewardAccount {
	if acc, ok := l.accounts.Get(userID); ok {
		return acc
	}
	return emptyAccount(userID)
}

// RejectionView builds the zero-point response for a rejected report. The
// rejection is visible to the user as a feedback event but is never stored,
// so point totals and the persisted activity log stay untouched.
func (l *Ledger) RejectionView(userID string, reason error) RewardAccount {
	acc := emptyAccount(userID)
	acc.RecentActivities = []RewardActivity{{
		ID:          uuid.NewString(),
		Type:        activityError,
		Points:      0,
		Timestamp:   l.now().Format(time.RFC3339),
		Description: reason.Error(),
	}}
	return acc
}

func emptyAccount(userID string) RewardAccount {
	return RewardAccount{
		UserID: userID,
		Rank:   rankFor(0),
	}
}

// prependActivity inserts the newest entry at index 0 and truncates the log
// to its fixed capacity, dropping the oldest entries.
func prependActivity(log []RewardActivity, a RewardActivity) []RewardActivity {
	out := make([]RewardActivity, 0, len(log)+1)
	out = append(out, a)
	out = append(out, log...)
	if len(out) > maxRecentActivities {
		out = out[:maxRecentActivities]
	}
	return out
}
