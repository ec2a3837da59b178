package core

import "unicode/utf8"

// TokenEstimator approximates the token count of a piece of text.
type TokenEstimator interface {
	Estimate(text string) int
}

// EstimatorFunc adapts a plain function to TokenEstimator.
type EstimatorFunc func(text string) int

func (f EstimatorFunc) Estimate(text string) int { return f(text) }

// CharEstimator assumes roughly four characters per token.
type CharEstimator struct{}

func (CharEstimator) Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// MessageTokens estimates a message's content plus its tool call names and arguments.
func MessageTokens(estimator TokenEstimator, msg Message) int {
	total := estimator.Estimate(msg.Content)
	for _, call := range msg.ToolCalls {
		total += estimator.Estimate(call.Name)
		for key, value := range call.Arguments {
			total += estimator.Estimate(key)
			if s, ok := value.(string); ok {
				total += estimator.Estimate(s)
			} else {
				total++
			}
		}
	}
	return total
}
