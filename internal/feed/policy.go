package feed

import (
	"errors"
	"fmt"
	"slices"

	"feedAudit/internal/config"
	"feedAudit/internal/failure"
)

// ErrPlanMismatch - длины списков политики не совпадают с числом пачек.
var ErrPlanMismatch = errors.New("политика не соответствует числу пачек")

const (
	defaultNormalFraction   = 0.2
	defaultExtendedFraction = 1.0
)

// Policy - количества действий по пачкам и фильтры по атрибутам постов.
type Policy struct {
	LikesPerBatch       []int
	FollowsPerBatch     []int
	WatchLongerPerBatch []int

	LikeTags        []string
	WatchLongerTags []string
	LikeCreators    []string
	LikeAudio       []string
	FollowCreators  []string

	NormalFraction   float64 // Доля длительности поста при обычном просмотре
	ExtendedFraction float64 // Доля при долгом просмотре
	Seed             int64
}

func PolicyFrom(spec config.PolicySpec) Policy {
	return Policy{
		LikesPerBatch:       spec.LikesPerBatch,
		FollowsPerBatch:     spec.FollowsPerBatch,
		WatchLongerPerBatch: spec.WatchLongerPerBatch,
		LikeTags:            spec.LikeTags,
		WatchLongerTags:     spec.WatchLongerTags,
		LikeCreators:        spec.LikeCreators,
		LikeAudio:           spec.LikeAudio,
		FollowCreators:      spec.FollowCreators,
		NormalFraction:      spec.NormalDwell,
		ExtendedFraction:    spec.ExtendedDwell,
		Seed:                spec.Seed,
	}
}

// Validate проверяет политику до начала работы с браузером.
// Пустой список означает ноль действий во всех пачках.
func (p Policy) Validate(batches int) error {
	if batches <= 0 {
		return failure.Contract("validate policy", fmt.Errorf("%w: число пачек %d", ErrPlanMismatch, batches))
	}

	lists := []struct {
		name   string
		counts []int
	}{
		{"number_of_posts_to_like_per_batch", p.LikesPerBatch},
		{"number_of_posts_to_follow_per_batch", p.FollowsPerBatch},
		{"number_of_posts_to_watch_longer_per_batch", p.WatchLongerPerBatch},
	}
	for _, l := range lists {
		if len(l.counts) != 0 && len(l.counts) != batches {
			return failure.Contract("validate policy",
				fmt.Errorf("%w: %s содержит %d значений, пачек %d", ErrPlanMismatch, l.name, len(l.counts), batches))
		}
		if slices.ContainsFunc(l.counts, func(n int) bool { return n < 0 }) {
			return failure.Contract("validate policy", fmt.Errorf("%w: отрицательное значение в %s", ErrPlanMismatch, l.name))
		}
	}

	if p.NormalFraction < 0 || p.ExtendedFraction < 0 {
		return failure.Contract("validate policy", fmt.Errorf("%w: отрицательная доля просмотра", ErrPlanMismatch))
	}
	return nil
}

func (p Policy) normalFraction() float64 {
	if p.NormalFraction == 0 {
		return defaultNormalFraction
	}
	return p.NormalFraction
}

func (p Policy) extendedFraction() float64 {
	if p.ExtendedFraction == 0 {
		return defaultExtendedFraction
	}
	return p.ExtendedFraction
}

func countAt(counts []int, batch int) int {
	if batch < len(counts) {
		return counts[batch]
	}
	return 0
}
