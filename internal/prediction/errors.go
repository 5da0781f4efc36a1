package prediction

import "fmt"

// RemoteError is a non-200 answer from the prediction service.
type RemoteError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("prediction %s: status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("prediction %s: status %d: %s", e.Endpoint, e.StatusCode, e.Message)
}
