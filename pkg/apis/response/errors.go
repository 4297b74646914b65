package response

var errors = map[ErrCode]string{
	ErrCodeMalformedJSON:              "The JSON you provided was not well-formed or did not validate against our published format.",
	ErrCodeRequestBody:                "Request body error",
	ErrCodeResourceNotFound:           "Resource %s not found.",
	ErrCodeInvalidDeviceId:            "Invalid device id: %s",
	ErrCodeUnknownFields:              "Unknown telemetry fields: %s",
	ErrCodeInvalidTime:                "Invalid time %s, RFC3339 expected.",
	ErrCodeDeviceNotWatched:           "Device %s is not watched.",
	ErrCodeTooManyJsonPatchOperations: "The allowed maximum operations in a JSON patch is %d.",
	ErrCodeWatchFailed:                "Failed to watch device %s.",
}

// !!! IMPORTANT PLEASE READ FIRST !!!
// You SHOULD add new code at the end of enum firstly.

var ErrMalformedJSON = &responseError{
	Code:    ErrCodeMalformedJSON,
	Message: errors[ErrCodeMalformedJSON],
}

var ErrRequestBody = &responseError{
	Code:    ErrCodeRequestBody,
	Message: errors[ErrCodeRequestBody],
}
