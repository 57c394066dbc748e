package saga

import "fmt"

// MinMeanRating is the lowest acceptable mean rating across completed interviews.
const MinMeanRating = 6.0

// EvaluateInterviews applies the interview rule to completed interviews:
// at least one positive recommendation, no negative recommendation and a
// mean rating of at least 6.0. reasons lists every failed condition.
func EvaluateInterviews(interviews []Interview) (passed bool, reasons []string) {
	var (
		completed int
		positive  int
		negative  int
		total     float64
	)
	for _, iv := range interviews {
		if iv.Status != InterviewCompleted {
			continue
		}
		completed++
		total += iv.Rating
		switch iv.Recommendation {
		case RecommendPositive:
			positive++
		case RecommendNegative:
			negative++
		}
	}

	if completed == 0 {
		return false, []string{"no completed interviews"}
	}
	if positive == 0 {
		reasons = append(reasons, "no positive recommendation")
	}
	if negative > 0 {
		reasons = append(reasons, fmt.Sprintf("%d negative recommendation(s)", negative))
	}
	if mean := total / float64(completed); mean < MinMeanRating {
		reasons = append(reasons, fmt.Sprintf("mean rating %.1f below %.1f", mean, MinMeanRating))
	}

	return len(reasons) == 0, reasons
}
