package service

import (
	"s3-proxy-go/internal/model"
)

// Validator decides whether an incoming request may be forwarded.
// Returning an error rejects the request with 400 before any upstream attempt.
// Bucket/key syntax or required-header policies plug in here.
type Validator interface {
	Validate(req *model.IncomingRequest) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(req *model.IncomingRequest) error

// Validate implements Validator.
func (f ValidatorFunc) Validate(req *model.IncomingRequest) error {
	return f(req)
}

// AcceptAll is the default Validator; it accepts every request.
var AcceptAll Validator = ValidatorFunc(func(*model.IncomingRequest) error { return nil })
