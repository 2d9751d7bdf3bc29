package db

import "strings"

var lostConnectionMessages = []string{
	"server has gone away",
	"no connection to the server",
	"Lost connection",
	"is dead or not enabled",
	"Error while sending",
	"decryption failed or bad record mac",
	"server closed the connection unexpectedly",
	"SSL connection has been closed unexpectedly",
	"Error writing data to the connection",
	"Resource deadlock avoided",
	"Transaction() on null",
	"child connection forced to terminate due to client_idle_limit",
}

// DefaultLostConnectionMessages returns a copy of the driver messages that
// mark an error as caused by a dropped connection.
func DefaultLostConnectionMessages() []string {
	return append([]string(nil), lostConnectionMessages...)
}

// Classifier decides whether a driver error means the connection, not the
// statement, is at fault. Matching is a case-sensitive substring test against
// the error message, so it is only as reliable as the driver's wording.
type Classifier struct {
	messages []string
}

// NewClassifier returns a Classifier for messages, or for the default list
// when messages is nil.
func NewClassifier(messages []string) *Classifier {
	if messages == nil {
		messages = lostConnectionMessages
	}
	return &Classifier{messages: append([]string(nil), messages...)}
}

// LostConnection reports whether err was caused by a lost connection.
func (c *Classifier) LostConnection(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, m := range c.messages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Kind returns ErrLostConnection or ErrStatement for a statement failure.
func (c *Classifier) Kind(err error) error {
	if c.LostConnection(err) {
		return ErrLostConnection
	}
	return ErrStatement
}
