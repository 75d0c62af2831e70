// Package pattern scores clusters against the pattern library and emits
// binding suggestions.
package pattern

import (
	"math"
	"regexp"
	"strings"

	"github.com/tagsense/tagsense/internal/models"
)

// roleScore carries the per-factor scores of one (point, role) pairing.
type roleScore struct {
	naming float64
	rang   float64
	rate   float64

	hasRange bool
	hasRate  bool
}

// total is the mean of the factors the pairing could actually evaluate.
func (s roleScore) total() float64 {
	sum := s.naming
	n := 1.0
	if s.hasRange {
		sum += s.rang
		n++
	}
	if s.hasRate {
		sum += s.rate
		n++
	}
	return sum / n
}

// scoreRole evaluates one point against one role using the point's
// metadata and its cached behavior summary (which may be absent).
func scoreRole(point models.Point, b *models.PointBehavior, role models.PatternRole) roleScore {
	s := roleScore{naming: namingScore(point, role)}

	if role.TypicalMin != nil && role.TypicalMax != nil && b != nil && b.SampleCount > 0 {
		s.hasRange = true
		s.rang = rangeScore(point, b, role)
	}
	if role.TypicalRateMS != nil && b != nil && b.MedianIntervalMS > 0 {
		s.hasRate = true
		s.rate = rateScore(b.MedianIntervalMS, float64(*role.TypicalRateMS))
	}
	return s
}

// namingScore matches the role's regexes against the point's combined
// name, address, and description. Full regex hit scores 1.0; otherwise a
// partial keyword score; a role with no regexes is neutral at 0.5.
func namingScore(point models.Point, role models.PatternRole) float64 {
	if len(role.Regexes) == 0 {
		return 0.5
	}
	text := strings.ToLower(point.Name + " " + point.Address + " " + point.Description)

	for _, expr := range role.Regexes {
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			continue
		}
		if re.MatchString(text) {
			return 1.0
		}
	}

	// Partial credit: fraction of the role's tokens present in the text.
	tokens := tokenize(role.Regexes)
	if len(tokens) == 0 {
		return 0
	}
	hits := 0
	for _, tok := range tokens {
		if strings.Contains(text, tok) {
			hits++
		}
	}
	return float64(hits) / float64(len(tokens)) * 0.6
}

// tokenize extracts lowercase alphanumeric words from the role regexes.
func tokenize(regexes []string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, expr := range regexes {
		var cur strings.Builder
		flush := func() {
			if cur.Len() >= 2 {
				tok := strings.ToLower(cur.String())
				if _, dup := seen[tok]; !dup {
					seen[tok] = struct{}{}
					out = append(out, tok)
				}
			}
			cur.Reset()
		}
		for _, r := range expr {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
				cur.WriteRune(r)
			} else {
				flush()
			}
		}
		flush()
	}
	return out
}

// rangeScore compares the observed value span against the role's typical
// span, halving the score when observations escape the widened envelope
// and granting a bonus for matching engineering units.
func rangeScore(point models.Point, b *models.PointBehavior, role models.PatternRole) float64 {
	typical := *role.TypicalMax - *role.TypicalMin
	if typical <= 0 {
		return 0
	}
	actual := b.Max - b.Min
	score := 1 - math.Min(1, math.Abs(1-actual/typical))

	// Envelope check: typical_min x 0.5 .. typical_max x 2.0.
	if b.Min < *role.TypicalMin*0.5 || b.Max > *role.TypicalMax*2.0 {
		score /= 2
	}
	if role.TypicalUnit != "" && normalizeUnit(point.Unit) == normalizeUnit(role.TypicalUnit) {
		score += 0.2
	}
	if score > 1 {
		score = 1
	}
	return score
}

func normalizeUnit(u string) string {
	return strings.ToLower(strings.TrimSpace(u))
}

// rateScore compares observed and typical update intervals. A fivefold
// deviation zeroes the score.
func rateScore(actualMS, typicalMS float64) float64 {
	if typicalMS <= 0 {
		return 0
	}
	return 1 - math.Min(1, math.Abs(1-actualMS/typicalMS)/5)
}

// assignment is one (point, role) pairing chosen by the greedy matcher.
type assignment struct {
	pointIdx int
	roleIdx  int
	score    roleScore
}

// assignRoles greedily pairs points with roles: repeatedly take the
// highest-total pairing whose point and role are both still free and
// whose total clears minRoleScore.
func assignRoles(scores [][]roleScore, minRoleScore float64) []assignment {
	nPoints := len(scores)
	if nPoints == 0 {
		return nil
	}
	nRoles := len(scores[0])

	usedPoint := make([]bool, nPoints)
	usedRole := make([]bool, nRoles)
	var out []assignment

	for {
		best := assignment{pointIdx: -1, roleIdx: -1}
		bestTotal := math.Inf(-1)
		for p := 0; p < nPoints; p++ {
			if usedPoint[p] {
				continue
			}
			for r := 0; r < nRoles; r++ {
				if usedRole[r] {
					continue
				}
				t := scores[p][r].total()
				if t < minRoleScore {
					continue
				}
				if t > bestTotal {
					best = assignment{pointIdx: p, roleIdx: r, score: scores[p][r]}
					bestTotal = t
				}
			}
		}
		if best.pointIdx == -1 {
			return out
		}
		usedPoint[best.pointIdx] = true
		usedRole[best.roleIdx] = true
		out = append(out, best)
	}
}
