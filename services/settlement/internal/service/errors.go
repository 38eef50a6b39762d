package service

import "errors"

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrAssetNotFound       = errors.New("asset not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrPositionNotFound    = errors.New("asset not found in portfolio")
	ErrInsufficientVolume  = errors.New("not enough volume to sell")
	ErrStorage             = errors.New("storage error")
)

// Code returns the caller-visible code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, ErrInvalidInput):
		return "INVALID_INPUT"
	case errors.Is(err, ErrAssetNotFound):
		return "ASSET_NOT_FOUND"
	case errors.Is(err, ErrUserNotFound):
		return "USER_NOT_FOUND"
	case errors.Is(err, ErrInsufficientBalance):
		return "INSUFFICIENT_BALANCE"
	case errors.Is(err, ErrPositionNotFound):
		return "POSITION_NOT_FOUND"
	case errors.Is(err, ErrInsufficientVolume):
		return "INSUFFICIENT_VOLUME"
	default:
		return "STORAGE_ERROR"
	}
}
