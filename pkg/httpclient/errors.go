package httpclient

import "fmt"

// RetryableError reports that Do gave up after exhausting its retry
// budget, wrapping the last error or status observed.
type RetryableError struct {
	Attempts int
	Err      error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("ollama request failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}
