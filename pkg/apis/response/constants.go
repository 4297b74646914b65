package response

type ErrCode int

const (
	_                                 ErrCode = 10000 + iota
	ErrCodeMalformedJSON                      // 10001
	ErrCodeRequestBody                        // 10002
	ErrCodeResourceNotFound                   // 10003
	ErrCodeInvalidDeviceId                    // 10004
	ErrCodeUnknownFields                      // 10005
	ErrCodeInvalidTime                        // 10006
	ErrCodeDeviceNotWatched                   // 10007
	ErrCodeTooManyJsonPatchOperations         // 10008
	ErrCodeWatchFailed                        // 10009
)

// !!! IMPORTANT PLEASE READ FIRST !!!
// You SHOULD add new code at the end, and append comment of number
// Meanwhile, the corresponding error message SHOULD be appended in response.errors
// The order MUST be consistent between them
