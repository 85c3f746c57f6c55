package binance

import (
	"errors"
	"strings"

	"github.com/adshao/go-binance/v2/common"
)

// ErrUnknownOrder is returned when the exchange reports that the order an
// operation targeted no longer exists. Every cancel/submit path in the core
// treats this as benign: the desired outcome (order gone) is already true.
var ErrUnknownOrder = errors.New("binance: unknown order")

// Binance futures error codes for operations against a missing order.
const (
	codeUnknownOrderSent  = -2011
	codeOrderDoesNotExist = -2013
)

// IsUnknownOrder reports whether err means "order already gone".
func IsUnknownOrder(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnknownOrder) {
		return true
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == codeUnknownOrderSent || apiErr.Code == codeOrderDoesNotExist {
			return true
		}
	}
	return strings.Contains(err.Error(), "Unknown order")
}
