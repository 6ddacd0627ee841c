package errors

// FsError is a sentinel error code returned by the directory and file API.
// The zero value is never used; every exported constant below is a
// distinct FsError.
type FsError string

func (e FsError) Error() string {
	return string(e)
}

func (e FsError) WithMessage(message string) DriverError {
	return customDriverError{
		message:       message,
		originalError: e,
	}
}

func (e FsError) WrapError(err error) DriverError {
	return customDriverError{message: e.Error(), originalError: e}.WrapError(err)
}

// The error codes named in the directory/file API.
const (
	NoEnoughSpace   = FsError("no enough space on device")
	FileNotFound    = FsError("file not found")
	FileExist       = FsError("file already exists")
	DirExist        = FsError("directory already exists")
	DirNotFound     = FsError("directory not found")
	OffsetOutOfSize = FsError("offset out of size")
	InvalidDirName  = FsError("invalid directory entry name")
	NotFound        = FsError("not found")
)
