package job

import "errors"

var (
	ErrNotFound     = errors.New("zip not found")
	ErrTooLarge     = errors.New("folder too large")
	ErrNotDirectory = errors.New("path is not a directory")
	ErrInvalidPath  = errors.New("folder path is required")
	ErrIDInUse      = errors.New("another folder with the same name is being archived")
)
