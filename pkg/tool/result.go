package tool

import "time"

// Result is the outcome of a tool invocation.
type Result struct {
	Success bool         `json:"success"`
	Data    any          `json:"data,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
	// Pending reports that the provider handed settlement to a later
	// external response. The dispatcher keeps the request open.
	Pending bool       `json:"pending,omitempty"`
	Meta    ResultMeta `json:"meta"`
}

// ResultMeta echoes the envelope identity and carries timing.
type ResultMeta struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Provider string    `json:"provider"`
	Time     time.Time `json:"timestamp,omitempty"`
	// ResponseTime is in milliseconds.
	ResponseTime int64          `json:"responseTime"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// ErrorDetail is the failure shape carried in a Result.
type ErrorDetail struct {
	Message string `json:"message"`
	Name    string `json:"name"`
	Code    string `json:"code,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// OK builds a successful result.
func OK(data any) *Result {
	return &Result{Success: true, Data: data}
}

// Fail builds a failed result with a generic error name.
func Fail(message string) *Result {
	return &Result{Error: &ErrorDetail{Message: message, Name: "Error"}}
}

// Deferred builds the result a provider returns when the answer will
// arrive later through Dispatcher.HandleResponse.
func Deferred() *Result {
	return &Result{Success: true, Pending: true}
}

// Clone returns a copy of the result with its own meta and error.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	c.Meta.Extra = cloneMap(r.Meta.Extra)
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	return &c
}

// WithMeta stamps the envelope identity onto the result.
func (r *Result) WithMeta(env *Envelope) *Result {
	r.Meta.ID = env.ID
	r.Meta.Name = env.Name
	r.Meta.Provider = env.Provider
	if r.Meta.Time.IsZero() {
		r.Meta.Time = env.Time
	}
	return r
}
