// Package email delivers the portal's transactional mail: password resets
// and address-verification links from the identity service.
package email

import "context"

// Sender delivers a single plain-text message.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}
