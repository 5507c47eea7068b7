package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Plan - сценарий запуска: участники и политика действий по пачкам.
type Plan struct {
	NumberOfBatches int               `yaml:"number_of_batches"`
	Participants    []ParticipantPlan `yaml:"participants"`
}

type ParticipantPlan struct {
	ID          int        `yaml:"id"`
	Country     string     `yaml:"country"`      // Страна прокси, например US
	Locale      string     `yaml:"locale"`       // Язык браузера: en, de, es, fr
	Phone       string     `yaml:"phone"`        // Номер без префикса страны
	PhonePrefix string     `yaml:"phone_prefix"` // Текст пункта списка префиксов, например "US +1"
	Login       bool       `yaml:"login"`
	Policy      PolicySpec `yaml:"policy"`
}

// PolicySpec задаёт количества действий на каждую пачку и фильтры по атрибутам.
type PolicySpec struct {
	LikesPerBatch       []int    `yaml:"number_of_posts_to_like_per_batch"`
	FollowsPerBatch     []int    `yaml:"number_of_posts_to_follow_per_batch"`
	WatchLongerPerBatch []int    `yaml:"number_of_posts_to_watch_longer_per_batch"`
	LikeTags            []string `yaml:"like_hashtags"`
	WatchLongerTags     []string `yaml:"watch_longer_hashtags"`
	LikeCreators        []string `yaml:"like_creators"`
	LikeAudio           []string `yaml:"like_music"`
	FollowCreators      []string `yaml:"follow_creators"`
	NormalDwell         float64  `yaml:"normal_watch_fraction"`
	ExtendedDwell       float64  `yaml:"extended_watch_fraction"`
	Seed                int64    `yaml:"seed"`
}

func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("не удалось прочитать план %s: %w", path, err)
	}

	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("ошибка разбора плана: %w", err)
	}

	if plan.NumberOfBatches <= 0 {
		return nil, errors.New("number_of_batches должен быть положительным")
	}
	if len(plan.Participants) == 0 {
		return nil, errors.New("в плане нет участников")
	}

	seen := make(map[int]bool, len(plan.Participants))
	for _, p := range plan.Participants {
		if seen[p.ID] {
			return nil, fmt.Errorf("участник %d указан дважды", p.ID)
		}
		seen[p.ID] = true
	}

	return &plan, nil
}

// Participant возвращает план участника по идентификатору.
func (p *Plan) Participant(id int) (ParticipantPlan, bool) {
	for _, pp := range p.Participants {
		if pp.ID == id {
			return pp, true
		}
	}
	return ParticipantPlan{}, false
}
