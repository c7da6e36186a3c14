package shaping

import "unicode/utf8"

// Estimator approximates how many model tokens a text costs.
type Estimator interface {
	Estimate(text string) int
}

// EstimatorFunc adapts a function to Estimator.
type EstimatorFunc func(text string) int

// Estimate implements Estimator.
func (f EstimatorFunc) Estimate(text string) int {
	return f(text)
}

// CharEstimator counts ceil(runes / CharsPerToken).
type CharEstimator struct {
	CharsPerToken int
}

// Estimate implements Estimator.
func (e CharEstimator) Estimate(text string) int {
	perToken := e.CharsPerToken
	if perToken <= 0 {
		perToken = 4
	}
	n := utf8.RuneCountInString(text)
	return (n + perToken - 1) / perToken
}
