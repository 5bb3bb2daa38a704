package aws

import (
	"errors"
	"strings"

	"github.com/aws/smithy-go"
)

var (
	// ErrNoVersion is returned when a launch template has no $Latest version.
	ErrNoVersion = errors.New("launch template has no versions")

	// ErrImageNotFound is returned when an AMI is deregistered, malformed,
	// or otherwise not visible to the caller.
	ErrImageNotFound = errors.New("image not found")
)

// ErrorCode returns the AWS API error code carried by err, or "" when err
// did not come from the service.
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// isImageNotFound matches InvalidAMIID.NotFound, .Malformed and .Unavailable.
func isImageNotFound(err error) bool {
	return strings.HasPrefix(ErrorCode(err), "InvalidAMIID.")
}
