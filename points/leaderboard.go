/*
leaderboard.go - Student standings by points

RANKING:
  Students are ordered by points descending, then by ID for a stable
  order. Ties share a rank and the next rank skips (1, 1, 3).

SHARE:
  Each student's percentage of the total points of the ranked students,
  rounded to two places. Computed with decimal arithmetic so the shares
  of a board add up the way a person checking by hand would expect.
  All zero when nobody has points.

  The limit is applied after ranking and share, so a top-3 board still
  shows each student's share of the whole group.
*/
package points

import (
	"cmp"
	"context"
	"slices"

	"github.com/shopspring/decimal"
)

type LeaderboardQuery struct {
	TutorID *UserID // only this tutor's students
	Limit   int     // 0 means all
}

type Standing struct {
	Rank      int
	StudentID UserID
	Name      string
	Points    int64
	Share     decimal.Decimal
}

type Leaderboard struct {
	store Reader
}

func NewLeaderboard(store Reader) *Leaderboard {
	return &Leaderboard{store: store}
}

// Standings ranks students. Any authenticated caller.
func (lb *Leaderboard) Standings(ctx context.Context, actor Principal, q LeaderboardQuery) ([]Standing, error) {
	if err := Authorize(actor, "view leaderboard"); err != nil {
		return nil, err
	}
	if q.Limit < 0 {
		return nil, invalid("limit", "cannot be negative")
	}
	students, err := lb.store.ListUsers(ctx, UserFilter{Role: RoleStudent, TutorID: q.TutorID})
	if err != nil {
		return nil, err
	}
	return Rank(students, q.Limit), nil
}

// Rank orders students and computes ranks and shares. Non-students are
// ignored.
func Rank(users []User, limit int) []Standing {
	students := make([]User, 0, len(users))
	total := decimal.Zero
	for _, u := range users {
		if u.IsStudent() {
			students = append(students, u)
			total = total.Add(decimal.NewFromInt(u.Points))
		}
	}
	slices.SortFunc(students, func(a, b User) int {
		if c := cmp.Compare(b.Points, a.Points); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	hundred := decimal.NewFromInt(100)

	out := make([]Standing, 0, len(students))
	for i, s := range students {
		rank := i + 1
		if i > 0 && s.Points == students[i-1].Points {
			rank = out[i-1].Rank
		}
		share := decimal.Zero
		if total.IsPositive() {
			share = decimal.NewFromInt(s.Points).Mul(hundred).Div(total).Round(2)
		}
		out = append(out, Standing{
			Rank:      rank,
			StudentID: s.ID,
			Name:      s.Name,
			Points:    s.Points,
			Share:     share,
		})
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
