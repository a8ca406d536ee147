package status

import "fmt"

// Code is the fixed taxonomy of status values a callback may return, named
// after their nearest EFI_STATUS equivalents.
type Code string

const Success = Code("")

const InvalidParameter = Code("Invalid parameter")
const BadBufferSize = Code("Bad buffer size")
const NoMedia = Code("No media")
const MediaChanged = Code("Media changed")
const WriteProtected = Code("Write protected")
const DeviceError = Code("Device error")
const NotFound = Code("Not found")
const Aborted = Code("Aborted")
const AlreadyStarted = Code("Already started")
const Unsupported = Code("Unsupported")
const IncompatibleVersion = Code("Incompatible version")

func (e Code) Error() string {
	return string(e)
}

func (e Code) WithMessage(message string) Status {
	return contextualStatus{
		code:    e,
		message: fmt.Sprintf("%s: %s", e.Error(), message),
	}
}

func (e Code) WrapError(err error) Status {
	return contextualStatus{
		code:          e,
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: err,
	}
}
