package conversation

import (
	"strings"
	"unicode"
)

// Answer is the customer's reaction to the order summary
type Answer int

const (
	AnswerUnclear Answer = iota
	AnswerYes
	AnswerNo
)

func (a Answer) String() string {
	switch a {
	case AnswerYes:
		return "yes"
	case AnswerNo:
		return "no"
	default:
		return "unclear"
	}
}

// answerWords maps normalized words to answers. English and Russian are
// covered since both are used by the shop's customers.
var answerWords = map[string]Answer{
	"yes":         AnswerYes,
	"y":           AnswerYes,
	"yeah":        AnswerYes,
	"yep":         AnswerYes,
	"sure":        AnswerYes,
	"ok":          AnswerYes,
	"okay":        AnswerYes,
	"correct":     AnswerYes,
	"right":       AnswerYes,
	"confirm":     AnswerYes,
	"confirmed":   AnswerYes,
	"да":          AnswerYes,
	"ага":         AnswerYes,
	"ок":          AnswerYes,
	"верно":       AnswerYes,
	"подтверждаю": AnswerYes,
	"правильно":   AnswerYes,

	"no":       AnswerNo,
	"n":        AnswerNo,
	"nope":     AnswerNo,
	"not":      AnswerNo,
	"wrong":    AnswerNo,
	"cancel":   AnswerNo,
	"change":   AnswerNo,
	"нет":      AnswerNo,
	"не":       AnswerNo,
	"неверно":  AnswerNo,
	"отмена":   AnswerNo,
	"изменить": AnswerNo,
}

// ClassifyAnswer maps a reply to yes, no or unclear. A message carrying
// both kinds of words ("not correct") is unclear.
func ClassifyAnswer(text string) Answer {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	var yes, no bool
	for _, w := range words {
		switch answerWords[w] {
		case AnswerYes:
			yes = true
		case AnswerNo:
			no = true
		}
	}

	switch {
	case yes && !no:
		return AnswerYes
	case no && !yes:
		return AnswerNo
	default:
		return AnswerUnclear
	}
}
