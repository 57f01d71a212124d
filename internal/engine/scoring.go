package engine

import (
	"sort"
	"time"

	"tournament-engine/internal/domain"
)

const (
	// correctBase is multiplied by the question's point weight for a correct answer.
	correctBase = 100
	// maxSpeedBonus is awarded for an instant answer, decaying linearly to
	// minSpeedBonus at the deadline.
	maxSpeedBonus = 50
	minSpeedBonus = 10
)

// Score maps one submission to points. It is pure: the same question, option
// and latency always yield the same result.
func Score(q domain.Question, optionID string, latency, deadline time.Duration) (correct bool, points int) {
	for _, opt := range q.Options {
		if opt.ID == optionID {
			correct = opt.Correct
			break
		}
	}
	if !correct {
		return false, 0
	}
	weight := q.Points
	if weight == 0 {
		weight = 1
	}
	return true, weight*correctBase + speedBonus(latency, deadline)
}

func speedBonus(latency, deadline time.Duration) int {
	if deadline <= 0 {
		return minSpeedBonus
	}
	if latency < 0 {
		latency = 0
	}
	if latency > deadline {
		latency = deadline
	}
	bonus := int(int64(maxSpeedBonus) * int64(deadline-latency) / int64(deadline))
	if bonus < minSpeedBonus {
		bonus = minSpeedBonus
	}
	return bonus
}

// Rank computes the final standings for a session from the full answer
// ledger. The ledger, not the running participant scores, is the source of
// truth: a participant's total is the sum of points over their accepted
// answers, counted once per answer. Ties break by correct count, then by who
// finished earlier, then by id for a stable order.
func Rank(participants []domain.Participant, answers []domain.Answer) []domain.Standing {
	totals := make(map[string]int, len(participants))
	corrects := make(map[string]int, len(participants))
	for _, a := range answers {
		totals[a.ParticipantID] += a.Points
		if a.Correct {
			corrects[a.ParticipantID]++
		}
	}

	standings := make([]domain.Standing, 0, len(participants))
	for _, p := range participants {
		standings = append(standings, domain.Standing{
			ParticipantID: p.UserID,
			DisplayName:   p.DisplayName,
			Score:         totals[p.UserID],
			Correct:       corrects[p.UserID],
			CompletedAt:   p.LastActivityAt,
		})
	}

	sort.Slice(standings, func(i, j int) bool {
		a, b := standings[i], standings[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Correct != b.Correct {
			return a.Correct > b.Correct
		}
		if !a.CompletedAt.Equal(b.CompletedAt) {
			return a.CompletedAt.Before(b.CompletedAt)
		}
		return a.ParticipantID < b.ParticipantID
	})

	for i := range standings {
		standings[i].Position = i + 1
	}
	return standings
}
