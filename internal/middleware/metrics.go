package middleware

// Recorder receives rate limit decisions. result is one of
// allowed, limited or error.
type Recorder interface {
	RateLimitDecision(scope, result string)
}

type nopRecorder struct{}

func (nopRecorder) RateLimitDecision(string, string) {}
