package rpc

const (
	StatusOK            = 200
	StatusBadRequest    = 400
	StatusInternalError = 500
)

// IsError reports whether status is a client or server error, judged by
// its first decimal digit.
func IsError(status int) bool {
	d := firstDigit(status)
	return d == 4 || d == 5
}

// IsSuccess reports whether status is a 2xx code.
func IsSuccess(status int) bool {
	return firstDigit(status) == 2
}

func firstDigit(status int) int {
	if status < 0 {
		return -1
	}
	for status >= 10 {
		status /= 10
	}
	return status
}
