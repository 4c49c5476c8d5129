// Package weberr decorates errors with the HTTP response body/status and the
// structured log fields the middleware layers need to render them. Handlers
// return plain errors; anything that reaches middleware.Errors undecorated is
// rendered as an opaque 500.
package weberr

// Opt decorates an error with one behavior.
type Opt func(error) error

// Wrap applies the given options to err, innermost first.
func Wrap(err error, opts ...Opt) error {
	for _, opt := range opts {
		err = opt(err)
	}
	return err
}

// WithResponse attaches the body and status written to the client when this
// error surfaces.
func WithResponse(body interface{}, status int) Opt {
	return func(err error) error {
		return &responseError{error: err, body: body, status: status}
	}
}

// WithFields attaches fields added to the error log line.
func WithFields(fields map[string]interface{}) Opt {
	return func(err error) error {
		return &fieldsError{error: err, fields: fields}
	}
}
