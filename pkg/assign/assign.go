// Package assign picks which agent gets a newly paid file. The strategy is
// pluggable so uniform-random can later give way to load-aware selection
// without touching the payment flow.
package assign

import (
	"math/rand"

	"github.com/mayur1518990-code/projects-sub000/models"
)

// Strategy selects one agent from the active candidates. A nil return means
// "leave the file unassigned" and is a valid outcome.
type Strategy interface {
	Pick(candidates []models.User) *models.User
}

// UniformRandom picks uniformly among the candidates.
type UniformRandom struct{}

func (UniformRandom) Pick(candidates []models.User) *models.User {
	if len(candidates) == 0 {
		return nil
	}
	return &candidates[rand.Intn(len(candidates))]
}
