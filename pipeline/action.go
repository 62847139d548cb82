package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Action is the remediation decision for one item.
type Action int

const (
	Safe Action = iota
	Flag
	Tag
	Quarantine
)

// Actions lists every action in severity order.
var Actions = []Action{Safe, Flag, Tag, Quarantine}

func (a Action) String() string {
	switch a {
	case Safe:
		return "safe"
	case Flag:
		return "flag"
	case Tag:
		return "tag"
	case Quarantine:
		return "quarantine"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAction parses an action name.
func ParseAction(name string) (Action, error) {
	for _, a := range Actions {
		if strings.EqualFold(name, a.String()) {
			return a, nil
		}
	}
	return Safe, fmt.Errorf("unknown action %q", name)
}

// Score bands, inclusive upper bounds.
const (
	MinScore = 0
	SafeMax  = 30
	FlagMax  = 60
	TagMax   = 85
	MaxScore = 100
)

var ErrInvalidScore = errors.New("invalid score")

type InvalidScoreError struct {
	Score int
}

func (e *InvalidScoreError) Error() string {
	return fmt.Sprintf("invalid score %d: must be within %d..%d", e.Score, MinScore, MaxScore)
}

func (e *InvalidScoreError) Is(target error) bool {
	return target == ErrInvalidScore
}

// MapAction maps a 0..100 score to its action. Out-of-range scores are
// rejected, never clamped.
func MapAction(score int) (Action, error) {
	switch {
	case score < MinScore || score > MaxScore:
		return Safe, &InvalidScoreError{Score: score}
	case score <= SafeMax:
		return Safe, nil
	case score <= FlagMax:
		return Flag, nil
	case score <= TagMax:
		return Tag, nil
	default:
		return Quarantine, nil
	}
}
