package models

import "fmt"

// ErrorClass splits failures into those an operator may retry and those that
// can never succeed with the same payload.
type ErrorClass string

const (
	ClassPermanent ErrorClass = "permanent"
	ClassTransient ErrorClass = "transient"
)

// Error codes surfaced on jobs and through the facade.
const (
	ErrTemplateInvalid         = "E_TEMPLATE_INVALID"
	ErrCRMNoMatch              = "E_CRM_NO_MATCH"
	ErrPlateSizeMissing        = "E_PLATE_SIZE_MISSING"
	ErrNoParts                 = "E_NO_PARTS"
	ErrXMLInvalid              = "E_XML_INVALID"
	ErrBackingThicknessUnknown = "E_BACKING_THICKNESS_UNKNOWN"
	ErrTrimRuleMissing         = "E_TRIM_RULE_MISSING"
	ErrCancelled               = "E_CANCELLED"
	ErrOptiXMLTimeout          = "E_OPTI_XML_TIMEOUT"
	ErrOSIAckTimeout           = "E_OSI_ACK_TIMEOUT"
	ErrOSIAckFailed            = "E_OSI_ACK_FAILED"
	ErrWorkerEnvUnsupported    = "E_WORKER_ENV_UNSUPPORTED"
	ErrLocalProcessing         = "E_LOCAL_PROCESSING"
)

var classByCode = map[string]ErrorClass{
	ErrTemplateInvalid:         ClassPermanent,
	ErrCRMNoMatch:              ClassPermanent,
	ErrPlateSizeMissing:        ClassPermanent,
	ErrNoParts:                 ClassPermanent,
	ErrXMLInvalid:              ClassPermanent,
	ErrBackingThicknessUnknown: ClassPermanent,
	ErrTrimRuleMissing:         ClassPermanent,
	ErrCancelled:               ClassPermanent,
	ErrOptiXMLTimeout:          ClassTransient,
	ErrOSIAckTimeout:           ClassTransient,
	ErrOSIAckFailed:            ClassTransient,
	ErrWorkerEnvUnsupported:    ClassTransient,
	ErrLocalProcessing:         ClassTransient,
}

// ClassOf returns the class registered for a code, defaulting to transient so
// that unknown failures stay retryable.
func ClassOf(code string) ErrorClass {
	if c, ok := classByCode[code]; ok {
		return c
	}
	return ClassTransient
}

// PipelineError is a classified domain failure attached to a job.
type PipelineError struct {
	Code    string
	Class   ErrorClass
	Message string
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a PipelineError with the class registered for code.
func NewError(code, format string, args ...any) *PipelineError {
	return &PipelineError{
		Code:    code,
		Class:   ClassOf(code),
		Message: fmt.Sprintf(format, args...),
	}
}
