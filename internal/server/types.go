package server

import "time"

type mailer interface {
	// SendDeliveryNotice tells a recipient a sealed letter is waiting
	// for them and when it opens.
	SendDeliveryNotice(to, fromEmail string, deliverAfter time.Time) error
	Enabled() bool
}
