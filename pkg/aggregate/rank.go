package aggregate

import (
	"math"
	"time"

	"socialmesh/pkg/models"
)

// Ranking blends recency with engagement: recency decays exponentially
// with a seven-day half-weight, engagement saturates at ten reactions.
const (
	recencyWeight    = 0.6
	engagementWeight = 0.4
	decayWindow      = 7 * 24 * time.Hour
	saturationCount  = 10
)

// Score returns the algorithmic feed score for a post at time now.
// Higher sorts earlier. Posts from the future clamp to zero age rather
// than scoring above everything forever.
func Score(p *models.Post, now time.Time) float64 {
	age := now.Sub(time.Unix(p.Timestamp, 0))
	if age < 0 {
		age = 0
	}
	recency := math.Exp(-float64(age) / float64(decayWindow))

	total := 0
	for _, n := range p.Reactions {
		total += n
	}
	engagement := float64(total) / saturationCount
	if engagement > 1 {
		engagement = 1
	}
	return recencyWeight*recency + engagementWeight*engagement
}
