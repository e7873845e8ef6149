// Package tasks generates and evaluates the small cognitive challenges an
// alarm can require before it may be dismissed.
package tasks

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/borgmon/wake-minder/pkg/models"
)

// Challenge is one generated dismissal task. The lifecycle controller only
// depends on Check; prompt rendering is the caller's business.
type Challenge struct {
	Type       models.TaskType
	Difficulty models.Difficulty
	Prompt     string

	accepted []string // normalized accepted answers
	numeric  bool
}

// Generate produces a challenge for the given spec. A "none" spec yields a
// challenge that accepts anything, so callers never need to special-case.
func Generate(spec models.TaskSpec) Challenge {
	switch spec.Type {
	case models.TaskMath:
		return mathChallenge(spec.Difficulty)
	case models.TaskRiddle:
		return riddleChallenge(spec.Difficulty)
	default:
		return Challenge{Type: models.TaskNone}
	}
}

// Check reports whether the submitted answer satisfies the challenge.
// Comparison is case-insensitive and whitespace-tolerant; numeric answers
// are compared by value so "07" passes for 7.
func (c Challenge) Check(answer string) bool {
	if c.Type == models.TaskNone {
		return true
	}
	got := normalize(answer)
	for _, want := range c.accepted {
		if c.numeric {
			g, errG := strconv.Atoi(got)
			w, errW := strconv.Atoi(want)
			if errG == nil && errW == nil && g == w {
				return true
			}
			continue
		}
		if got == want {
			return true
		}
	}
	return false
}

// Evaluate is the one-shot form used by callers that do not hold a
// Challenge value.
func Evaluate(c Challenge, answer string) bool {
	return c.Check(answer)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func mathChallenge(d models.Difficulty) Challenge {
	var prompt string
	var result int

	switch d {
	case models.DifficultyHard:
		a, b, c := rand.IntN(11)+2, rand.IntN(11)+2, rand.IntN(50)+1
		prompt = fmt.Sprintf("%d × %d + %d = ?", a, b, c)
		result = a*b + c
	case models.DifficultyMedium:
		a, b := rand.IntN(11)+2, rand.IntN(11)+2
		prompt = fmt.Sprintf("%d × %d = ?", a, b)
		result = a * b
	default:
		a, b := rand.IntN(20)+1, rand.IntN(20)+1
		prompt = fmt.Sprintf("%d + %d = ?", a, b)
		result = a + b
	}

	return Challenge{
		Type:       models.TaskMath,
		Difficulty: d,
		Prompt:     prompt,
		accepted:   []string{strconv.Itoa(result)},
		numeric:    true,
	}
}

type riddle struct {
	prompt   string
	accepted []string
}

var riddleBank = map[models.Difficulty][]riddle{
	models.DifficultyEasy: {
		{"What has hands but cannot clap?", []string{"a clock", "clock"}},
		{"What gets wetter the more it dries?", []string{"a towel", "towel"}},
		{"What has a neck but no head?", []string{"a bottle", "bottle"}},
	},
	models.DifficultyMedium: {
		{"The more you take, the more you leave behind. What am I?", []string{"footsteps", "steps"}},
		{"What can travel around the world while staying in a corner?", []string{"a stamp", "stamp"}},
		{"What has keys but opens no locks?", []string{"a piano", "piano", "keyboard", "a keyboard"}},
	},
	models.DifficultyHard: {
		{"I speak without a mouth and hear without ears. What am I?", []string{"an echo", "echo"}},
		{"The person who makes it sells it. The person who buys it never uses it. What is it?", []string{"a coffin", "coffin"}},
		{"What is always in front of you but cannot be seen?", []string{"the future", "future"}},
	},
}

func riddleChallenge(d models.Difficulty) Challenge {
	bank, ok := riddleBank[d]
	if !ok {
		bank = riddleBank[models.DifficultyEasy]
	}
	r := bank[rand.IntN(len(bank))]
	return Challenge{
		Type:       models.TaskRiddle,
		Difficulty: d,
		Prompt:     r.prompt,
		accepted:   r.accepted,
	}
}
