package otp

import (
	"context"
	"fmt"
	"time"
)

// DeliveryGateway sends a message to a phone over an out-of-band channel.
// A nil return means the provider accepted the message; the code is not
// considered issued until then.
type DeliveryGateway interface {
	Send(ctx context.Context, destination, body string) error
}

// MessageBody renders the text delivered to the user.
func MessageBody(appName, code string, ttl time.Duration) string {
	return fmt.Sprintf("Your %s verification code is %s. It expires in %s.", appName, code, humanDuration(ttl))
}

func humanDuration(d time.Duration) string {
	if d < time.Minute {
		return plural(int(d/time.Second), "second")
	}
	return plural(int(d/time.Minute), "minute")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// MaskPhone hides all but the last 4 digits of a phone number for logs and
// user-facing confirmations.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return "***" + phone[len(phone)-4:]
}
